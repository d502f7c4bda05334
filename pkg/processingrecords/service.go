// Package processingrecords implements incremental integration fetches deduplicated through the
// processing records ledger.
package processingrecords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowlane/pkg/expr"
	"github.com/dukex/flowlane/pkg/fieldpath"
	"github.com/dukex/flowlane/pkg/integrations"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/otelhelper"
	"github.com/dukex/flowlane/pkg/persistence"
)

// StepContext identifies the workflow step invoking the service.
type StepContext struct {
	OrganizationID string
	WfDefinitionID string
	ExecutionID    string
}

// ResultStatus tells the outcomes of a call apart.
type ResultStatus string

const (
	// StatusNoRecords means the integration returned no records at all.
	StatusNoRecords ResultStatus = "no_records"
	// StatusNoneClaimed means records were returned but all were filtered, keyless or already processed.
	StatusNoneClaimed ResultStatus = "none_claimed"
	// StatusClaimed means at least one record was claimed.
	StatusClaimed ResultStatus = "claimed"
	// StatusRecorded is the outcome of record_processed.
	StatusRecorded ResultStatus = "recorded"
)

// ClaimedRecord is one record this call now owns.
type ClaimedRecord struct {
	RecordID    string         `json:"recordId"`
	Data        map[string]any `json:"data"`
	ResumePoint any            `json:"resumePoint,omitempty"`
}

// Result is what a processing records step returns.
type Result struct {
	Status  ResultStatus    `json:"status"`
	Records []ClaimedRecord `json:"records,omitempty"`
}

// Service runs the processing records strategies.
type Service struct {
	records   persistence.ProcessingRecordRepository
	executor  integrations.Executor
	envelopes *integrations.Envelopes
	filters   *expr.Evaluator
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	maxPages  int
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxPages bounds the pages one find_by_cursor call follows when a page yields no claim.
func WithMaxPages(pages int) Option {
	return func(s *Service) { s.maxPages = max(pages, 1) }
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// NewService creates a processing records service.
func NewService(
	records persistence.ProcessingRecordRepository,
	executor integrations.Executor,
	envelopes *integrations.Envelopes,
	filters *expr.Evaluator,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if envelopes == nil {
		envelopes = integrations.NewEnvelopes(nil)
	}

	if filters == nil {
		filters = expr.NewEvaluator(expr.DefaultTimeout)
	}

	service := &Service{
		records:   records,
		executor:  executor,
		envelopes: envelopes,
		filters:   filters,
		logger:    logger.With("module", "processing_records"),
		tracer:    otelhelper.Tracer("processing_records"),
		now:       time.Now,
		maxPages:  DefaultMaxPages,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Execute runs one processing records step.
func (s *Service) Execute(ctx context.Context, step StepContext, params Params) (*Result, error) {
	if step.OrganizationID == "" || step.WfDefinitionID == "" {
		return nil, ErrMissingContext
	}

	err := params.Validate()
	if err != nil {
		return nil, err
	}

	tableName := models.IntegrationTableName(params.Integration, params.Tag)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "processing_records.execute",
		attribute.String(otelhelper.OrganizationIDKey, step.OrganizationID),
		attribute.String(otelhelper.WorkflowIDKey, step.WfDefinitionID),
		attribute.String(otelhelper.StrategyKey, string(params.Strategy)),
		attribute.String(otelhelper.TableNameKey, tableName),
	)
	defer span.End()

	var result *Result

	if params.Strategy == StrategyRecordProcessed {
		result, err = s.recordProcessed(ctx, step, params, tableName)
	} else {
		result, err = s.find(ctx, step, params, tableName)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.Int(otelhelper.ClaimedCountKey, len(result.Records)))

	return result, nil
}

func (s *Service) recordProcessed(ctx context.Context, step StepContext, params Params, tableName string) (*Result, error) {
	record := &models.ProcessingRecord{
		OrganizationID: step.OrganizationID,
		TableName:      tableName,
		RecordID:       params.RecordID,
		WfDefinitionID: step.WfDefinitionID,
		ProcessedAt:    s.now().UTC(),
		Status:         models.ProcessingStatusCompleted,
		Metadata: models.ProcessingMetadata{
			Strategy: string(StrategyRecordProcessed),
			Extra:    params.Metadata,
		},
	}

	err := s.records.MarkProcessed(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to record processed record: %w", err)
	}

	s.logger.InfoContext(ctx, "Recorded processed record", "table", tableName, "record_id", params.RecordID)

	return &Result{
		Status:  StatusRecorded,
		Records: []ClaimedRecord{{RecordID: params.RecordID, Data: params.Metadata}},
	}, nil
}

// cutoff is the instant before which an existing claim may be taken over.
func (s *Service) cutoff(now time.Time, backoffHours float64) time.Time {
	if backoffHours == NeverReprocess {
		return time.Time{}
	}

	return now.Add(-time.Duration(backoffHours * float64(time.Hour)))
}

// batch is one fetched page.
type batch struct {
	records     []map[string]any
	fetchedFrom any
	nextCursor  any
	hasNext     bool
}

func (s *Service) find(ctx context.Context, step StepContext, params Params, tableName string) (*Result, error) {
	now := s.now().UTC()
	cutoff := s.cutoff(now, params.BackoffHours)

	resumePoint, err := s.storedResumePoint(ctx, step, params, tableName)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("table", tableName, "strategy", params.Strategy, "organization_id", step.OrganizationID)

	claimed := make([]ClaimedRecord, 0, params.limit())
	sawRecords := false

	for page := 0; page < s.maxPages; page++ {
		current, err := s.fetch(ctx, step, params, resumePoint)
		if err != nil {
			return nil, err
		}

		if len(current.records) > 0 {
			sawRecords = true
		}

		claimed, err = s.claimBatch(ctx, logger, step, params, tableName, now, cutoff, current, claimed)
		if err != nil {
			return nil, err
		}

		if len(claimed) > 0 || params.Strategy != StrategyFindByCursor || !current.hasNext {
			break
		}

		resumePoint = current.nextCursor
	}

	switch {
	case len(claimed) > 0:
		return &Result{Status: StatusClaimed, Records: claimed}, nil
	case !sawRecords:
		logger.DebugContext(ctx, "No unprocessed records")

		return &Result{Status: StatusNoRecords}, nil
	default:
		return &Result{Status: StatusNoneClaimed}, nil
	}
}

func (s *Service) storedResumePoint(ctx context.Context, step StepContext, params Params, tableName string) (any, error) {
	if params.Strategy == StrategyFindAll {
		return nil, nil
	}

	latest, err := s.records.LatestWithResumePoint(ctx, step.OrganizationID, tableName, step.WfDefinitionID)
	if errors.Is(err, persistence.ErrProcessingRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load resume point: %w", err)
	}

	if latest.Metadata.Strategy != string(params.Strategy) {
		s.logger.InfoContext(ctx, "Ignoring resume point of another strategy",
			"table", tableName, "stored_strategy", latest.Metadata.Strategy)

		return nil, nil
	}

	return latest.Metadata.ResumePoint, nil
}

func (s *Service) fetch(ctx context.Context, step StepContext, params Params, resumePoint any) (*batch, error) {
	callParams := make(map[string]any, len(params.Params)+1)
	maps.Copy(callParams, params.Params)

	var fetchedFrom any

	if resumePoint != nil && params.Cursor != nil && params.Strategy != StrategyFindAll {
		fetchedFrom = fetchValue(params.Strategy, resumePoint, params.format())
		callParams[params.Cursor.Param()] = fetchedFrom
	}

	resp, err := s.executor.Execute(ctx, integrations.Request{
		Name:              params.Integration,
		Operation:         params.Action,
		Params:            callParams,
		SkipApprovalCheck: true,
	}, integrations.Scope{OrganizationID: step.OrganizationID})
	if err != nil {
		return nil, err
	}

	records, _ := s.envelopes.For(params.Integration).Records(resp.Result)

	current := &batch{records: records, fetchedFrom: fetchedFrom}

	if params.Strategy == StrategyFindByCursor {
		field := ""
		if params.Cursor != nil {
			field = params.Cursor.Field
		}

		current.nextCursor, current.hasNext = integrations.NextCursor(resp.Result, field)
	}

	switch params.Strategy {
	case StrategyFindByTimestamp:
		slices.SortStableFunc(current.records, func(a, b map[string]any) int {
			return compareTimestampKeys(timestampKey(cursorValue(a, params)), timestampKey(cursorValue(b, params)))
		})
	case StrategyFindByID:
		slices.SortStableFunc(current.records, func(a, b map[string]any) int {
			return compareIDs(cursorValue(a, params), cursorValue(b, params))
		})
	case StrategyFindByCursor, StrategyFindAll, StrategyRecordProcessed:
	}

	return current, nil
}

func cursorValue(record map[string]any, params Params) any {
	if params.Cursor == nil {
		return nil
	}

	value, _ := fieldpath.Lookup(record, params.Cursor.Field)

	return value
}

func (s *Service) resumePointFor(params Params, current *batch, record map[string]any, index int) any {
	switch params.Strategy {
	case StrategyFindByTimestamp:
		return advanceTimestamp(cursorValue(record, params), current.fetchedFrom, params.format())
	case StrategyFindByID:
		return advanceID(cursorValue(record, params), current.fetchedFrom)
	case StrategyFindByCursor:
		if index == len(current.records)-1 && current.hasNext {
			return current.nextCursor
		}

		return current.fetchedFrom
	case StrategyFindAll, StrategyRecordProcessed:
		return nil
	default:
		return nil
	}
}

func (s *Service) claimBatch(
	ctx context.Context,
	logger *slog.Logger,
	step StepContext,
	params Params,
	tableName string,
	now, cutoff time.Time,
	current *batch,
	claimed []ClaimedRecord,
) ([]ClaimedRecord, error) {
	limit := params.limit()

	for index, data := range current.records {
		if len(claimed) >= limit {
			break
		}

		rawID, ok := fieldpath.Lookup(data, params.UniqueKey)
		if !ok {
			logger.DebugContext(ctx, "Skipping record without unique key", "unique_key", params.UniqueKey)

			continue
		}

		recordID := idString(rawID)

		if params.Filter != "" {
			match, err := s.filters.Match(params.Filter, data, now)
			if err != nil {
				logger.WarnContext(ctx, "Filter evaluation failed, treating record as not matching",
					"record_id", recordID, "error", err)

				continue
			}

			if !match {
				continue
			}
		}

		processed, err := s.processedWithin(ctx, step, tableName, recordID, cutoff)
		if err != nil {
			return nil, err
		}

		if processed {
			continue
		}

		resumePoint := s.resumePointFor(params, current, data, index)

		err = s.claim(ctx, step, params, tableName, recordID, data, resumePoint, now, cutoff)
		if err != nil {
			return nil, err
		}

		logger.InfoContext(ctx, "Claimed record", "record_id", recordID)

		claimed = append(claimed, ClaimedRecord{RecordID: recordID, Data: data, ResumePoint: resumePoint})
	}

	return claimed, nil
}

// processedWithin reports whether the key already holds a claim that the cutoff protects.
func (s *Service) processedWithin(ctx context.Context, step StepContext, tableName, recordID string, cutoff time.Time) (bool, error) {
	existing, err := s.records.Get(ctx, step.OrganizationID, tableName, recordID)
	if errors.Is(err, persistence.ErrProcessingRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read processing record: %w", err)
	}

	return !existing.ProcessedAt.Before(cutoff), nil
}

func (s *Service) claim(
	ctx context.Context,
	step StepContext,
	params Params,
	tableName, recordID string,
	data map[string]any,
	resumePoint any,
	now, cutoff time.Time,
) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "processing_records.claim",
		attribute.String(otelhelper.TableNameKey, tableName),
		attribute.String(otelhelper.RecordIDKey, recordID),
	)
	defer span.End()

	record := &models.ProcessingRecord{
		OrganizationID: step.OrganizationID,
		TableName:      tableName,
		RecordID:       recordID,
		WfDefinitionID: step.WfDefinitionID,
		ProcessedAt:    now,
		Status:         models.ProcessingStatusInProgress,
		Metadata: models.ProcessingMetadata{
			ResumePoint:  resumePoint,
			Strategy:     string(params.Strategy),
			OriginalData: data,
		},
	}

	if created, ok := recordCreationTime(data, params); ok {
		record.RecordCreationTime = &created
	}

	err := s.records.Claim(ctx, record, cutoff)
	if errors.Is(err, persistence.ErrRecordAlreadyClaimed) {
		claimErr := &ClaimError{TableName: tableName, RecordID: recordID, Err: err}
		otelhelper.SetError(span, claimErr)

		return claimErr
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to claim record %s: %w", recordID, err)
	}

	return nil
}

func recordCreationTime(data map[string]any, params Params) (time.Time, bool) {
	if params.Strategy != StrategyFindByTimestamp {
		return time.Time{}, false
	}

	return expr.ParseTimestamp(cursorValue(data, params))
}
