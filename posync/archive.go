package posync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/mmdatafocus/po_layers/workflow"
	"gorm.io/gorm"
)

var ErrArchiveNotFound = errors.New("archived rows not found")

// Archiver keeps the raw rows a run received so the run can be retried
// without the original upload.
type Archiver interface {
	Save(ctx context.Context, run *models.JobRun, rows []workflow.SourceRow) (string, error)
	Load(ctx context.Context, ref string) ([]workflow.SourceRow, error)
}

// ArchiveLinker is implemented by archives that can hand out a direct,
// expiring download link.
type ArchiveLinker interface {
	SignedURL(ctx context.Context, ref string, expires time.Duration) (string, time.Time, error)
}

// NewArchiver stores rows in the bucket when one is configured, otherwise in
// the job_payloads table.
func NewArchiver(ctx context.Context, db *gorm.DB, bucket string) (Archiver, error) {
	if strings.TrimSpace(bucket) == "" {
		return &DBArchiver{db: db}, nil
	}
	client, err := utils.GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

const dbArchivePrefix = "db:"

type DBArchiver struct {
	db *gorm.DB
}

func NewDBArchiver(db *gorm.DB) *DBArchiver {
	return &DBArchiver{db: db}
}

func (a *DBArchiver) Save(ctx context.Context, run *models.JobRun, rows []workflow.SourceRow) (string, error) {
	content, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	payload := models.JobPayload{JobRunId: run.ID, ScopeId: run.ScopeId, Content: content}
	if err := a.db.WithContext(ctx).Create(&payload).Error; err != nil {
		return "", fmt.Errorf("archive rows: %w", err)
	}
	return dbArchivePrefix + strconv.FormatUint(uint64(run.ID), 10), nil
}

func (a *DBArchiver) Load(ctx context.Context, ref string) ([]workflow.SourceRow, error) {
	runId, err := strconv.ParseUint(strings.TrimPrefix(ref, dbArchivePrefix), 10, 64)
	if !strings.HasPrefix(ref, dbArchivePrefix) || err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
	}
	var payload models.JobPayload
	if err := a.db.WithContext(ctx).Where("job_run_id = ?", runId).Take(&payload).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
		}
		return nil, err
	}
	var rows []workflow.SourceRow
	if err := json.Unmarshal(payload.Content, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GCSArchiver writes one JSON object per run under po-jobs/<scope>/.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

func (a *GCSArchiver) Save(ctx context.Context, run *models.JobRun, rows []workflow.SourceRow) (string, error) {
	object := fmt.Sprintf("po-jobs/%s/%d-%s.json", run.ScopeId, run.ID, uuid.NewString())

	wc := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = "application/json"
	if err := json.NewEncoder(wc).Encode(rows); err != nil {
		_ = wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("archive rows to gs://%s/%s: %w", a.bucket, object, err)
	}
	return "gs://" + a.bucket + "/" + object, nil
}

func (a *GCSArchiver) object(ref string) (string, error) {
	object := strings.TrimPrefix(ref, "gs://"+a.bucket+"/")
	if object == ref || object == "" {
		return "", fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
	}
	return object, nil
}

func (a *GCSArchiver) SignedURL(ctx context.Context, ref string, expires time.Duration) (string, time.Time, error) {
	object, err := a.object(ref)
	if err != nil {
		return "", time.Time{}, err
	}
	return utils.SignDownloadURL(ctx, a.bucket, object, expires)
}

func (a *GCSArchiver) Load(ctx context.Context, ref string) ([]workflow.SourceRow, error) {
	object, err := a.object(ref)
	if err != nil {
		return nil, err
	}
	rc, err := a.client.Bucket(a.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
		}
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var rows []workflow.SourceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
