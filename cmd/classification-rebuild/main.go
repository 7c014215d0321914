package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/mmdatafocus/po_layers/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	scopeFlag := flag.String("scope", "", "Optional: comma separated scope ids. Defaults to every scope with facts.")
	reset := flag.Bool("reset", false, "Drop and recreate nodes instead of keeping ids of unchanged labels")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing scopes and continue rebuilding others")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	settings := config.LoadSettings()
	if *reset {
		settings.PreserveNodeIds = false
	}

	var scopes []string
	for _, s := range strings.Split(*scopeFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		// Discover every scope that has facts.
		if err := db.Model(&models.OrderFact{}).Distinct().Order("scope_id").Pluck("scope_id", &scopes).Error; err != nil {
			fmt.Fprintf(os.Stderr, "discover scopes: %v\n", err)
			os.Exit(1)
		}
	}

	store := hierarchy.NewStore(db, settings, logger)
	locker := workflow.NewScopeLocker(db, nil, settings, logger)
	builder := workflow.NewClassificationBuilder(db, store, locker, nil, settings, logger)

	for _, scopeId := range scopes {
		ctx := utils.SetScopeIdInContext(context.Background(), scopeId)
		fmt.Printf("Rebuilding scope=%s reset=%t\n", scopeId, *reset)
		result, err := builder.Rebuild(ctx, scopeId)
		if err != nil {
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "rebuild failed (skipping): %v\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		logger.WithFields(logrus.Fields{
			"scope_id": scopeId,
			"level1":   result.Level1Count,
			"level2":   result.Level2Count,
			"links":    result.Links,
			"gaps":     result.Gaps,
			"skipped":  result.SkippedEmpty,
		}).Info("classification rebuilt")
	}
}
