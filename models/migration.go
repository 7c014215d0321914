package models

import (
	"log"

	"github.com/mmdatafocus/po_layers/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// AutoMigrate creates or alters every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OrderFact{},
		&HierarchyNode{}, &ClassificationLink{},
		&JobRun{}, &JobError{}, &JobPayload{},
	)
}
