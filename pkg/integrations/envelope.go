package integrations

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowlane/pkg/fieldpath"
)

// ErrUnknownEnvelope is returned for envelope names outside the supported set.
var ErrUnknownEnvelope = errors.New("unknown response envelope")

// Envelope names where an integration puts its record list inside Response.Result.
type Envelope string

const (
	EnvelopeResult  Envelope = "result"  // result is the list itself
	EnvelopeData    Envelope = "data"    // result.data
	EnvelopeRecords Envelope = "records" // result.records
	EnvelopeItems   Envelope = "items"   // result.items

	// EnvelopeAuto probes result, result.data, result.records and result.items in that order and
	// takes the first list found. Used for integrations missing from the envelope table.
	EnvelopeAuto Envelope = "auto"
)

// Valid reports whether e is a supported envelope.
func (e Envelope) Valid() bool {
	switch e {
	case EnvelopeResult, EnvelopeData, EnvelopeRecords, EnvelopeItems, EnvelopeAuto:
		return true
	default:
		return false
	}
}

var autoProbeOrder = []Envelope{EnvelopeResult, EnvelopeData, EnvelopeRecords, EnvelopeItems}

// Records extracts the record list from an integration result. Entries that are not JSON
// objects are dropped. The second value is false when the envelope does not hold a list.
func (e Envelope) Records(result any) ([]map[string]any, bool) {
	result = fieldpath.Normalize(result)

	if e == EnvelopeAuto || e == "" {
		for _, probe := range autoProbeOrder {
			if records, ok := probe.Records(result); ok {
				return records, true
			}
		}

		return nil, false
	}

	var list any

	switch e {
	case EnvelopeResult:
		list = result
	case EnvelopeData, EnvelopeRecords, EnvelopeItems:
		object, ok := result.(map[string]any)
		if !ok {
			return nil, false
		}

		list = object[string(e)]
	default:
		return nil, false
	}

	items, ok := list.([]any)
	if !ok {
		return nil, false
	}

	records := make([]map[string]any, 0, len(items))

	for _, item := range items {
		if record, ok := item.(map[string]any); ok {
			records = append(records, record)
		}
	}

	return records, true
}

var (
	cursorFallbacks   = []string{"nextCursor", "page_info", "cursor"}
	pageInfoCursorKey = []string{"next_cursor", "end_cursor", "endCursor", "cursor"}
)

// NextCursor reads the page token of a cursor-paginated result: field when given, else the
// conventional nextCursor, page_info and cursor keys. A page_info object is searched for
// next_cursor, end_cursor, endCursor and cursor, and yields nothing when it reports no next page.
// Only non-empty strings and numbers count as cursors.
func NextCursor(result any, field string) (any, bool) {
	result = fieldpath.Normalize(result)
	if _, isObject := result.(map[string]any); !isObject {
		return nil, false
	}

	keys := cursorFallbacks
	if field != "" {
		keys = append([]string{field}, cursorFallbacks...)
	}

	for _, key := range keys {
		value, ok := fieldpath.Lookup(result, key)
		if !ok {
			continue
		}

		if pageInfo, isObject := value.(map[string]any); isObject {
			if cursor, found := pageInfoCursor(pageInfo); found {
				return cursor, true
			}

			continue
		}

		if present(value) {
			return value, true
		}
	}

	return nil, false
}

func pageInfoCursor(pageInfo map[string]any) (any, bool) {
	for _, flag := range []string{"has_next_page", "hasNextPage"} {
		if hasNext, ok := pageInfo[flag].(bool); ok && !hasNext {
			return nil, false
		}
	}

	for _, key := range pageInfoCursorKey {
		if value, ok := pageInfo[key]; ok && present(value) {
			return value, true
		}
	}

	return nil, false
}

func present(value any) bool {
	switch v := value.(type) {
	case string:
		return v != ""
	case float64, json.Number:
		return true
	default:
		return false
	}
}

// Envelopes maps integration names to their response envelope.
type Envelopes struct {
	byIntegration map[string]Envelope
	fallback      Envelope
}

// NewEnvelopes creates an envelope table. Integrations not listed use EnvelopeAuto.
func NewEnvelopes(table map[string]Envelope) *Envelopes {
	byIntegration := make(map[string]Envelope, len(table))
	for name, envelope := range table {
		byIntegration[name] = envelope
	}

	return &Envelopes{byIntegration: byIntegration, fallback: EnvelopeAuto}
}

// ParseEnvelopes reads an envelope table written as "name=envelope" pairs separated by commas,
// e.g. "crm=records,billing=data".
func ParseEnvelopes(raw string) (*Envelopes, error) {
	table := make(map[string]Envelope)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid envelope entry %q: %w", pair, ErrUnknownEnvelope)
		}

		envelope := Envelope(strings.TrimSpace(value))
		if !envelope.Valid() {
			return nil, fmt.Errorf("invalid envelope %q for %s: %w", value, name, ErrUnknownEnvelope)
		}

		table[strings.TrimSpace(name)] = envelope
	}

	return NewEnvelopes(table), nil
}

// For returns the envelope registered for integration.
func (e *Envelopes) For(integration string) Envelope {
	if envelope, ok := e.byIntegration[integration]; ok {
		return envelope
	}

	return e.fallback
}
