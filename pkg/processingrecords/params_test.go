package processingrecords_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowlane/pkg/processingrecords"
)

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		wantErr bool
	}{
		{
			name: "timestamp strategy",
			raw: map[string]any{
				"strategy": "find_by_timestamp", "integration": "crm", "action": "list_contacts",
				"uniqueKey": "id", "tag": "contacts", "backoffHours": 168,
				"cursor": map[string]any{"field": "updated_at", "actionParam": "since", "format": "epoch_ms"},
			},
		},
		{
			name: "find all without cursor",
			raw: map[string]any{
				"strategy": "find_all", "integration": "crm", "action": "list", "uniqueKey": "id", "tag": "t", "backoffHours": -1,
			},
		},
		{
			name: "record processed",
			raw:  map[string]any{"strategy": "record_processed", "integration": "crm", "tag": "t", "recordId": "r-1"},
		},
		{
			name:    "record processed without id",
			raw:     map[string]any{"strategy": "record_processed", "integration": "crm", "tag": "t"},
			wantErr: true,
		},
		{
			name: "cursor strategy without cursor",
			raw: map[string]any{
				"strategy": "find_by_cursor", "integration": "crm", "action": "list", "uniqueKey": "id", "tag": "t",
			},
			wantErr: true,
		},
		{
			name: "unknown format",
			raw: map[string]any{
				"strategy": "find_by_timestamp", "integration": "crm", "action": "list", "uniqueKey": "id", "tag": "t",
				"cursor": map[string]any{"field": "updated_at", "format": "rfc822"},
			},
			wantErr: true,
		},
		{
			name: "negative backoff other than never",
			raw: map[string]any{
				"strategy": "find_all", "integration": "crm", "action": "list", "uniqueKey": "id", "tag": "t", "backoffHours": -0.5,
			},
			wantErr: true,
		},
		{
			name:    "unknown strategy",
			raw:     map[string]any{"strategy": "find_latest", "integration": "crm", "tag": "t"},
			wantErr: true,
		},
		{
			name: "missing unique key",
			raw: map[string]any{
				"strategy": "find_all", "integration": "crm", "action": "list", "tag": "t",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := processingrecords.DecodeParams(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, processingrecords.ErrInvalidParams)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, processingrecords.Strategy(tt.raw["strategy"].(string)), params.Strategy)
		})
	}
}

func TestCursorConfig_Param(t *testing.T) {
	assert.Equal(t, "updated_at", (&processingrecords.CursorConfig{Field: "updated_at"}).Param())
	assert.Equal(t, "since", (&processingrecords.CursorConfig{Field: "updated_at", ActionParam: "since"}).Param())
}
