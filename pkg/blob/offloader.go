package blob

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultInlineThreshold is the largest serialized payload kept inline on the execution row.
const DefaultInlineThreshold = 512 * 1024

const jsonContentType = "application/json"

// Payload is a serialized value held either inline or in blob storage, never both.
type Payload struct {
	Inline    *string
	StorageID *string
}

// Offloader decides where execution state is stored.
type Offloader struct {
	store     Store
	threshold int
}

// NewOffloader creates an offloader that writes payloads larger than threshold bytes to store.
// A non-positive threshold selects DefaultInlineThreshold.
func NewOffloader(store Store, threshold int) *Offloader {
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}

	return &Offloader{store: store, threshold: threshold}
}

// Prepare serializes value and returns it inline or, above the threshold, as a new blob.
func (o *Offloader) Prepare(ctx context.Context, value any) (Payload, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to serialize payload: %w", err)
	}

	if len(data) <= o.threshold {
		inline := string(data)

		return Payload{Inline: &inline}, nil
	}

	id, err := o.store.Put(ctx, data, jsonContentType)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to offload payload: %w", err)
	}

	return Payload{StorageID: &id}, nil
}

// Load returns the serialized payload from whichever location holds it, or nil when neither does.
func (o *Offloader) Load(ctx context.Context, inline, storageID *string) (json.RawMessage, error) {
	if storageID != nil {
		data, err := o.store.Get(ctx, *storageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load blob %s: %w", *storageID, err)
		}

		return data, nil
	}

	if inline != nil {
		return json.RawMessage(*inline), nil
	}

	return nil, nil
}
