package config

import (
	"os"
	"strings"
	"time"
)

// Settings carries the tunables of the classification pipeline. Components
// receive it at construction instead of reading the environment themselves.
type Settings struct {
	// TerminalStatus is compared case-insensitively against a fact's status.
	TerminalStatus string
	// NodeOrigin marks hierarchy nodes owned by the rebuild.
	NodeOrigin     string
	MergeBatchSize int
	LinkBatchSize  int
	ItemsLimit     int
	// PreserveNodeIds keeps node ids stable for labels that survive a rebuild.
	PreserveNodeIds bool

	LockTimeout time.Duration
	LockTTL     time.Duration

	SourceBaseURL     string
	SourceAPIKey      string
	SourceAPIKeyHdr   string
	SourceTimeout     time.Duration
	SourceRatePerMin  int
	SourceCompanyID   string
	ArchiveBucket     string
	JobTopic          string
	CreateJobTopic    bool
	CacheTTL          time.Duration
	SyncSchedule      string
	ScheduledScopes   []string
	ScheduledLookback int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		TerminalStatus:    "Closed",
		NodeOrigin:        "parsed_folders",
		MergeBatchSize:    500,
		LinkBatchSize:     500,
		ItemsLimit:        100,
		PreserveNodeIds:   true,
		LockTimeout:       30 * time.Second,
		LockTTL:           10 * time.Minute,
		SourceAPIKeyHdr:   "X-API-Key",
		SourceTimeout:     120 * time.Second,
		SourceRatePerMin:  30,
		JobTopic:          "po-layer-jobs",
		CacheTTL:          10 * time.Minute,
		ScheduledLookback: 0,
	}
}

// LoadSettings overlays environment values on DefaultSettings.
func LoadSettings() Settings {
	s := DefaultSettings()
	if v := strings.TrimSpace(os.Getenv("PO_TERMINAL_STATUS")); v != "" {
		s.TerminalStatus = v
	}
	s.MergeBatchSize = positiveIntFromEnv("PO_MERGE_BATCH_SIZE", s.MergeBatchSize)
	s.LinkBatchSize = positiveIntFromEnv("PO_LINK_BATCH_SIZE", s.LinkBatchSize)
	s.ItemsLimit = positiveIntFromEnv("PO_ITEMS_LIMIT", s.ItemsLimit)
	s.PreserveNodeIds = EnvBool("PO_PRESERVE_NODE_IDS", s.PreserveNodeIds)
	s.LockTimeout = time.Duration(positiveIntFromEnv("PO_LOCK_TIMEOUT_SECONDS", int(s.LockTimeout/time.Second))) * time.Second
	s.LockTTL = time.Duration(positiveIntFromEnv("PO_LOCK_TTL_SECONDS", int(s.LockTTL/time.Second))) * time.Second

	s.SourceBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PO_SOURCE_BASE_URL")), "/")
	s.SourceAPIKey = strings.TrimSpace(os.Getenv("PO_SOURCE_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("PO_SOURCE_API_KEY_HEADER")); v != "" {
		s.SourceAPIKeyHdr = v
	}
	s.SourceTimeout = time.Duration(positiveIntFromEnv("PO_SOURCE_TIMEOUT_SECONDS", int(s.SourceTimeout/time.Second))) * time.Second
	s.SourceRatePerMin = positiveIntFromEnv("PO_SOURCE_RATE_LIMIT_PER_MIN", s.SourceRatePerMin)
	s.SourceCompanyID = strings.TrimSpace(os.Getenv("PO_SOURCE_COMPANY_ID"))

	s.ArchiveBucket = strings.TrimSpace(os.Getenv("PO_ARCHIVE_BUCKET"))
	if v := strings.TrimSpace(os.Getenv("PO_JOB_TOPIC")); v != "" {
		s.JobTopic = v
	}
	s.CreateJobTopic = EnvBool("PO_JOB_CREATE_TOPIC", false)
	s.CacheTTL = time.Duration(positiveIntFromEnv("PO_CACHE_TTL_SECONDS", int(s.CacheTTL/time.Second))) * time.Second

	s.SyncSchedule = strings.TrimSpace(os.Getenv("PO_SYNC_SCHEDULE"))
	for _, part := range strings.Split(os.Getenv("PO_SYNC_SCOPES"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			s.ScheduledScopes = append(s.ScheduledScopes, part)
		}
	}
	s.ScheduledLookback = intFromEnv("PO_SYNC_LOOKBACK_MONTHS", s.ScheduledLookback)
	return s
}

func positiveIntFromEnv(key string, def int) int {
	n := intFromEnv(key, def)
	if n <= 0 {
		return def
	}
	return n
}
