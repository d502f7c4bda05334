package integrations_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowlane/pkg/integrations"
)

func TestEnvelope_Records(t *testing.T) {
	list := []any{map[string]any{"id": "1"}, "not-an-object", map[string]any{"id": "2"}}

	tests := []struct {
		name     string
		envelope integrations.Envelope
		result   any
		want     int
		ok       bool
	}{
		{"result list", integrations.EnvelopeResult, list, 2, true},
		{"data list", integrations.EnvelopeData, map[string]any{"data": list}, 2, true},
		{"records list", integrations.EnvelopeRecords, map[string]any{"records": list}, 2, true},
		{"items list", integrations.EnvelopeItems, map[string]any{"items": list}, 2, true},
		{"data envelope on bare list", integrations.EnvelopeData, list, 0, false},
		{"wrong key", integrations.EnvelopeItems, map[string]any{"data": list}, 0, false},
		{"auto bare list", integrations.EnvelopeAuto, list, 2, true},
		{"auto records", integrations.EnvelopeAuto, map[string]any{"records": list, "count": 2}, 2, true},
		{"auto prefers data over items", integrations.EnvelopeAuto, map[string]any{
			"items": []any{map[string]any{"id": "x"}},
			"data":  list,
		}, 2, true},
		{"auto no list", integrations.EnvelopeAuto, map[string]any{"ok": true}, 0, false},
		{"empty list", integrations.EnvelopeResult, []any{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, ok := tt.envelope.Records(tt.result)
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, records, tt.want)
		})
	}
}

func TestNextCursor(t *testing.T) {
	tests := []struct {
		name   string
		result any
		field  string
		want   any
		ok     bool
	}{
		{"configured field", map[string]any{"meta": map[string]any{"next": "abc"}}, "meta.next", "abc", true},
		{"nextCursor fallback", map[string]any{"nextCursor": "n1"}, "", "n1", true},
		{"cursor fallback", map[string]any{"cursor": float64(42)}, "", float64(42), true},
		{"page_info end cursor", map[string]any{"page_info": map[string]any{"end_cursor": "e1", "has_next_page": true}}, "", "e1", true},
		{"page_info camel case", map[string]any{"page_info": map[string]any{"endCursor": "e2"}}, "", "e2", true},
		{"page_info last page", map[string]any{"page_info": map[string]any{"end_cursor": "e3", "has_next_page": false}}, "", nil, false},
		{"page_info string", map[string]any{"page_info": "p1"}, "", "p1", true},
		{"empty cursor", map[string]any{"nextCursor": ""}, "", nil, false},
		{"no cursor", map[string]any{"data": []any{}}, "", nil, false},
		{"bare list", []any{}, "", nil, false},
		{"bare list with configured field", []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}}, "cursor", nil, false},
		{"list cursor", map[string]any{"nextCursor": []any{}}, "", nil, false},
		{"page_info list cursor", map[string]any{"page_info": map[string]any{"end_cursor": []any{"x"}}}, "", nil, false},
		{"boolean cursor", map[string]any{"cursor": true}, "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := integrations.NextCursor(tt.result, tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEnvelopes(t *testing.T) {
	envelopes, err := integrations.ParseEnvelopes("crm=records, billing = data,,")
	require.NoError(t, err)

	assert.Equal(t, integrations.EnvelopeRecords, envelopes.For("crm"))
	assert.Equal(t, integrations.EnvelopeData, envelopes.For("billing"))
	assert.Equal(t, integrations.EnvelopeAuto, envelopes.For("unknown"))

	_, err = integrations.ParseEnvelopes("crm=rows")
	assert.ErrorIs(t, err, integrations.ErrUnknownEnvelope)

	_, err = integrations.ParseEnvelopes("crm")
	assert.ErrorIs(t, err, integrations.ErrUnknownEnvelope)

	empty, err := integrations.ParseEnvelopes("")
	require.NoError(t, err)
	assert.Equal(t, integrations.EnvelopeAuto, empty.For("crm"))
}
