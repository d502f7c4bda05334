package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

const processingRecordColumns = `
	id
  , organization_id
  , table_name
  , record_id
  , wf_definition_id
  , record_creation_time
  , processed_at
  , status
  , metadata`

// ProcessingRecordRepository handles the integration dedup ledger.
type ProcessingRecordRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProcessingRecordRepository creates a new processing record repository.
func NewProcessingRecordRepository(db *sql.DB, logger *slog.Logger) *ProcessingRecordRepository {
	return &ProcessingRecordRepository{db: db, logger: logger}
}

func (r *ProcessingRecordRepository) Get(ctx context.Context, organizationID, tableName, recordID string) (*models.ProcessingRecord, error) {
	query := `
		SELECT ` + processingRecordColumns + `
		FROM processing_records
		WHERE organization_id = $1 AND table_name = $2 AND record_id = $3
	`

	record, err := scanProcessingRecord(r.db.QueryRowContext(ctx, query, organizationID, tableName, recordID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrProcessingRecordNotFound
		}

		return nil, fmt.Errorf("failed to scan processing record: %w", err)
	}

	return record, nil
}

func (r *ProcessingRecordRepository) LatestWithResumePoint(ctx context.Context, organizationID, tableName, wfDefinitionID string) (*models.ProcessingRecord, error) {
	query := `
		SELECT ` + processingRecordColumns + `
		FROM processing_records
		WHERE organization_id = $1 AND table_name = $2 AND wf_definition_id = $3
		  AND metadata->'resume_point' IS NOT NULL
		  AND jsonb_typeof(metadata->'resume_point') <> 'null'
		ORDER BY processed_at DESC, write_seq DESC
		LIMIT 1
	`

	record, err := scanProcessingRecord(r.db.QueryRowContext(ctx, query, organizationID, tableName, wfDefinitionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrProcessingRecordNotFound
		}

		return nil, fmt.Errorf("failed to scan processing record: %w", err)
	}

	return record, nil
}

// Claim relies on the (organization_id, table_name, record_id) unique constraint: a concurrent
// inserter blocks on the index and then re-evaluates the cutoff against the committed row.
func (r *ProcessingRecordRepository) Claim(ctx context.Context, record *models.ProcessingRecord, cutoff time.Time) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal processing metadata: %w", err)
	}

	query := `
		INSERT INTO processing_records (` + processingRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, table_name, record_id) DO UPDATE SET
			wf_definition_id = EXCLUDED.wf_definition_id,
			record_creation_time = EXCLUDED.record_creation_time,
			processed_at = EXCLUDED.processed_at,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			write_seq = nextval('processing_records_write_seq')
		WHERE processing_records.processed_at < $10
		RETURNING id
	`

	var id string

	err = r.db.QueryRowContext(ctx, query,
		record.ID,
		record.OrganizationID,
		record.TableName,
		record.RecordID,
		record.WfDefinitionID,
		record.RecordCreationTime,
		record.ProcessedAt,
		record.Status,
		string(metadataJSON),
		cutoff,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrRecordAlreadyClaimed
		}

		return fmt.Errorf("failed to claim processing record: %w", err)
	}

	record.ID = id

	return nil
}

func (r *ProcessingRecordRepository) MarkProcessed(ctx context.Context, record *models.ProcessingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal processing metadata: %w", err)
	}

	query := `
		INSERT INTO processing_records (` + processingRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, table_name, record_id) DO UPDATE SET
			wf_definition_id = EXCLUDED.wf_definition_id,
			record_creation_time = EXCLUDED.record_creation_time,
			processed_at = EXCLUDED.processed_at,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			write_seq = nextval('processing_records_write_seq')
		RETURNING id
	`

	var id string

	err = r.db.QueryRowContext(ctx, query,
		record.ID,
		record.OrganizationID,
		record.TableName,
		record.RecordID,
		record.WfDefinitionID,
		record.RecordCreationTime,
		record.ProcessedAt,
		record.Status,
		string(metadataJSON),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to mark record processed: %w", err)
	}

	record.ID = id

	return nil
}

func scanProcessingRecord(row scanner) (*models.ProcessingRecord, error) {
	var (
		record       models.ProcessingRecord
		metadataJSON []byte
	)

	err := row.Scan(
		&record.ID,
		&record.OrganizationID,
		&record.TableName,
		&record.RecordID,
		&record.WfDefinitionID,
		&record.RecordCreationTime,
		&record.ProcessedAt,
		&record.Status,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &record.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal processing metadata: %w", err)
		}
	}

	return &record, nil
}
