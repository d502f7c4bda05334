package models

import (
	"fmt"
	"time"
)

// ProcessingStatus is the state of a dedup ledger entry.
type ProcessingStatus string

const (
	ProcessingStatusInProgress ProcessingStatus = "in_progress" // Claimed by a find strategy
	ProcessingStatusCompleted  ProcessingStatus = "completed"   // Registered by record_processed
)

// ProcessingRecord is one entry of the dedup ledger, unique per (OrganizationID, TableName, RecordID).
type ProcessingRecord struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	TableName          string             `json:"table_name"`
	RecordID           string             `json:"record_id"`
	WfDefinitionID     string             `json:"wf_definition_id"`
	RecordCreationTime *time.Time         `json:"record_creation_time,omitempty"`
	ProcessedAt        time.Time          `json:"processed_at"`
	Status             ProcessingStatus   `json:"status"`
	Metadata           ProcessingMetadata `json:"metadata"`
}

// ProcessingMetadata is what a claim remembers about the fetch that produced the record.
type ProcessingMetadata struct {
	ResumePoint  any            `json:"resume_point,omitempty"`
	Strategy     string         `json:"strategy,omitempty"`
	OriginalData map[string]any `json:"original_data,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// IntegrationTableName returns the ledger namespace of an integration tag.
func IntegrationTableName(integration, tag string) string {
	return fmt.Sprintf("integration:%s:%s", integration, tag)
}
