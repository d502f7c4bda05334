// Package scheduler runs the periodic scan that starts executions of due cron schedules.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flowlane/pkg/executions"
	"github.com/dukex/flowlane/pkg/models"
	"github.com/dukex/flowlane/pkg/otelhelper"
	"github.com/dukex/flowlane/pkg/persistence"
	"github.com/dukex/flowlane/pkg/schedule"
)

const (
	// DefaultBatchSize bounds how many active schedules one tick loads.
	DefaultBatchSize = 200
	// DefaultInterval is how often Run scans.
	DefaultInterval = 30 * time.Second
)

// Starter is the execution start entry point.
type Starter interface {
	Start(ctx context.Context, req executions.StartRequest) (*executions.Handle, error)
}

// Scanner evaluates every active schedule against its cron expression and starts the due ones.
type Scanner struct {
	triggers   persistence.TriggerRepository
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	starter    Starter
	evaluator  *schedule.Evaluator
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	batchSize  int
	interval   time.Duration
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithClock replaces time.Now as the scan reference time.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithBatchSize caps the schedules loaded per scan. Non-positive sizes keep DefaultBatchSize.
func WithBatchSize(size int) Option {
	return func(s *Scanner) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithInterval sets the time between scans. Non-positive intervals keep DefaultInterval.
func WithInterval(interval time.Duration) Option {
	return func(s *Scanner) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewScanner creates a Scanner that reads schedules from p and starts due runs through starter.
func NewScanner(p persistence.Persistence, starter Starter, evaluator *schedule.Evaluator, logger *slog.Logger, opts ...Option) *Scanner {
	scanner := &Scanner{
		triggers:   p.TriggerRepository(),
		workflows:  p.WorkflowRepository(),
		executions: p.ExecutionRepository(),
		starter:    starter,
		evaluator:  evaluator,
		logger:     logger.With("module", "scheduler"),
		tracer:     otelhelper.Tracer("scheduler"),
		now:        time.Now,
		batchSize:  DefaultBatchSize,
		interval:   DefaultInterval,
	}

	for _, opt := range opts {
		opt(scanner)
	}

	return scanner
}

// Run scans immediately and then on every interval tick until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "Starting schedule scanner", "interval", s.interval, "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Schedule scanner stopped")

			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// due is a schedule paired with the workflow version it starts.
type due struct {
	schedule *models.Schedule
	workflow *models.WorkflowDefinition
}

// Scan runs one tick. Failures are logged per schedule and never abort the rest of the batch.
func (s *Scanner) Scan(ctx context.Context) {
	now := s.now().UTC()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.scan")
	defer span.End()

	schedules, err := s.triggers.ActiveSchedules(ctx, s.batchSize)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "Failed to load active schedules", "error", err)

		return
	}

	candidates := make([]due, 0, len(schedules))
	definitionIDs := make([]string, 0, len(schedules))

	for _, sched := range schedules {
		workflow, err := s.workflows.ActiveVersion(ctx, sched.OrganizationID, sched.WorkflowRootID)
		if errors.Is(err, persistence.ErrActiveWorkflowNotFound) {
			s.logger.DebugContext(ctx, "Skipping schedule without active workflow",
				"schedule_id", sched.ID, "workflow_root_id", sched.WorkflowRootID)

			continue
		}

		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to resolve workflow of schedule", "schedule_id", sched.ID, "error", err)

			continue
		}

		candidates = append(candidates, due{schedule: sched, workflow: workflow})
		definitionIDs = append(definitionIDs, workflow.ID)
	}

	if len(candidates) == 0 {
		return
	}

	lastStarts, err := s.executions.LastStartTimes(ctx, definitionIDs)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "Failed to load last execution times", "error", err)

		return
	}

	started := 0

	for _, candidate := range candidates {
		if s.evaluate(ctx, candidate, lastExecution(candidate, lastStarts), now) {
			started++
		}
	}

	span.SetAttributes(attribute.Int("flowlane.scheduler.schedules", len(schedules)), attribute.Int("flowlane.scheduler.started", started))

	if started > 0 {
		s.logger.InfoContext(ctx, "Scan started executions", "started", started, "schedules", len(schedules))
	}
}

// lastExecution is the later of the workflow's last execution start and the schedule's own stamp.
func lastExecution(candidate due, lastStarts map[string]time.Time) *time.Time {
	var last *time.Time

	if started, ok := lastStarts[candidate.workflow.ID]; ok {
		last = &started
	}

	if triggered := candidate.schedule.LastTriggeredAt; triggered != nil && (last == nil || triggered.After(*last)) {
		last = triggered
	}

	return last
}

func (s *Scanner) evaluate(ctx context.Context, candidate due, last *time.Time, now time.Time) bool {
	sched := candidate.schedule

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.evaluate",
		attribute.String(otelhelper.ScheduleIDKey, sched.ID),
		attribute.String(otelhelper.OrganizationIDKey, sched.OrganizationID),
		attribute.String(otelhelper.WorkflowIDKey, candidate.workflow.ID),
	)
	defer span.End()

	if !s.evaluator.ShouldTrigger(sched.CronExpression, sched.Timezone, last, now) {
		return false
	}

	logger := s.logger.With("schedule_id", sched.ID, "wf_definition_id", candidate.workflow.ID, "organization_id", sched.OrganizationID)

	handle, err := s.starter.Start(ctx, executions.StartRequest{
		OrganizationID: sched.OrganizationID,
		WfDefinitionID: candidate.workflow.ID,
		TriggeredBy:    models.TriggeredBySchedule,
		TriggerData: map[string]any{
			"schedule_id":     sched.ID,
			"cron_expression": sched.CronExpression,
			"timezone":        sched.Timezone,
			"triggered_at":    now.Format(time.RFC3339),
		},
	})
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to start scheduled execution", "error", err)

		return false
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, handle.ExecutionID))

	err = s.triggers.MarkScheduleTriggered(ctx, sched.ID, now)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to update schedule last triggered time", "error", err)
	}

	logger.InfoContext(ctx, "Started scheduled execution", "execution_id", handle.ExecutionID)

	return true
}
