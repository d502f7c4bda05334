package processingrecords

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Strategy selects how records are fetched and how the resume point advances.
type Strategy string

const (
	StrategyFindByTimestamp Strategy = "find_by_timestamp"
	StrategyFindByCursor    Strategy = "find_by_cursor"
	StrategyFindByID        Strategy = "find_by_id"
	StrategyFindAll         Strategy = "find_all"
	StrategyRecordProcessed Strategy = "record_processed"
)

// NeverReprocess is the backoffHours sentinel that keeps a claimed record ineligible forever.
const NeverReprocess = -1

// DefaultMaxPages bounds how many cursor pages one find_by_cursor call walks.
const DefaultMaxPages = 5

// TimestampFormat is the wire format of a timestamp resume point.
type TimestampFormat string

const (
	FormatISO     TimestampFormat = "iso"
	FormatEpochMs TimestampFormat = "epoch_ms"
	FormatEpochS  TimestampFormat = "epoch_s"
	FormatDate    TimestampFormat = "date"
)

// CursorConfig describes the record field that orders a fetch and the integration parameter
// that receives the resume point.
type CursorConfig struct {
	Field       string          `json:"field"                 validate:"required"`
	ActionParam string          `json:"actionParam,omitempty"`
	Format      TimestampFormat `json:"format,omitempty"      validate:"omitempty,oneof=iso epoch_ms epoch_s date"`
}

// Param returns the integration parameter name, ActionParam defaulting to Field.
func (c *CursorConfig) Param() string {
	if c.ActionParam != "" {
		return c.ActionParam
	}

	return c.Field
}

// Params are the step parameters of every strategy.
type Params struct {
	Strategy     Strategy       `json:"strategy"               validate:"required,oneof=find_by_timestamp find_by_cursor find_by_id find_all record_processed"`
	Integration  string         `json:"integration"            validate:"required"`
	Tag          string         `json:"tag"                    validate:"required"`
	Action       string         `json:"action,omitempty"       validate:"required_unless=Strategy record_processed"`
	Params       map[string]any `json:"params,omitempty"`
	UniqueKey    string         `json:"uniqueKey,omitempty"    validate:"required_unless=Strategy record_processed"`
	Filter       string         `json:"filter,omitempty"`
	BackoffHours float64        `json:"backoffHours"           validate:"min=-1"`
	Limit        int            `json:"limit,omitempty"        validate:"omitempty,min=1"`
	Cursor       *CursorConfig  `json:"cursor,omitempty"`
	RecordID     string         `json:"recordId,omitempty"     validate:"required_if=Strategy record_processed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

var validate = validator.New()

// DecodeParams reads step parameters from their JSON object form and validates them.
func DecodeParams(raw map[string]any) (Params, error) {
	var params Params

	data, err := json.Marshal(raw)
	if err != nil {
		return params, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	err = json.Unmarshal(data, &params)
	if err != nil {
		return params, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	return params, params.Validate()
}

// Validate checks the strategy-specific rules on top of the struct tags.
func (p *Params) Validate() error {
	err := validate.Struct(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	if p.BackoffHours < 0 && p.BackoffHours != NeverReprocess {
		return fmt.Errorf("%w: backoffHours must be >= 0 or %d", ErrInvalidParams, NeverReprocess)
	}

	switch p.Strategy {
	case StrategyFindByTimestamp, StrategyFindByCursor, StrategyFindByID:
		if p.Cursor == nil {
			return fmt.Errorf("%w: strategy %s requires a cursor config", ErrInvalidParams, p.Strategy)
		}

		err = validate.Struct(p.Cursor)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
	case StrategyFindAll, StrategyRecordProcessed:
	}

	return nil
}

func (p *Params) limit() int {
	if p.Limit <= 0 {
		return 1
	}

	return p.Limit
}

func (p *Params) format() TimestampFormat {
	if p.Cursor == nil || p.Cursor.Format == "" {
		return FormatISO
	}

	return p.Cursor.Format
}
