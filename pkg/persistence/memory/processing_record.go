package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/persistence"
)

type recordRow struct {
	record models.ProcessingRecord
	seq    int64
}

func recordKey(organizationID, tableName, recordID string) string {
	return organizationID + "\x00" + tableName + "\x00" + recordID
}

func copyRecord(r models.ProcessingRecord) *models.ProcessingRecord {
	r.RecordCreationTime = clonePtr(r.RecordCreationTime)
	r.Metadata.OriginalData = cloneMap(r.Metadata.OriginalData)
	r.Metadata.Extra = cloneMap(r.Metadata.Extra)

	return &r
}

type processingRecordRepository struct {
	p *Persistence
}

func (r *processingRecordRepository) Get(_ context.Context, organizationID, tableName, recordID string) (*models.ProcessingRecord, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.records[recordKey(organizationID, tableName, recordID)]
	if !ok {
		return nil, persistence.ErrProcessingRecordNotFound
	}

	return copyRecord(row.record), nil
}

func (r *processingRecordRepository) LatestWithResumePoint(_ context.Context, organizationID, tableName, wfDefinitionID string) (*models.ProcessingRecord, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var (
		latest recordRow
		found  bool
	)

	for _, row := range r.p.records {
		rec := row.record
		if rec.OrganizationID != organizationID || rec.TableName != tableName ||
			rec.WfDefinitionID != wfDefinitionID || rec.Metadata.ResumePoint == nil {
			continue
		}

		// ties on ProcessedAt go to the most recent write
		if !found || rec.ProcessedAt.After(latest.record.ProcessedAt) ||
			(rec.ProcessedAt.Equal(latest.record.ProcessedAt) && row.seq > latest.seq) {
			latest = row
			found = true
		}
	}

	if !found {
		return nil, persistence.ErrProcessingRecordNotFound
	}

	return copyRecord(latest.record), nil
}

func (r *processingRecordRepository) Claim(_ context.Context, record *models.ProcessingRecord, cutoff time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := recordKey(record.OrganizationID, record.TableName, record.RecordID)

	existing, exists := r.p.records[key]
	if exists && !existing.record.ProcessedAt.Before(cutoff) {
		return persistence.ErrRecordAlreadyClaimed
	}

	if exists {
		record.ID = existing.record.ID
	} else if record.ID == "" {
		record.ID = uuid.New().String()
	}

	r.p.records[key] = recordRow{record: *copyRecord(*record), seq: r.p.nextSequence()}

	return nil
}

func (r *processingRecordRepository) MarkProcessed(_ context.Context, record *models.ProcessingRecord) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	key := recordKey(record.OrganizationID, record.TableName, record.RecordID)

	if existing, exists := r.p.records[key]; exists {
		record.ID = existing.record.ID
	} else if record.ID == "" {
		record.ID = uuid.New().String()
	}

	r.p.records[key] = recordRow{record: *copyRecord(*record), seq: r.p.nextSequence()}

	return nil
}
