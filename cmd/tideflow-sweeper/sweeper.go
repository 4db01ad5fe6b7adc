package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tideflow-io/tideflow/pkg/leases"
	"github.com/tideflow-io/tideflow/pkg/otelhelper"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/services"
)

// Sweeper is the external timer: it periodically materializes schedules into
// runs for every schedulable flow. Correctness comes from run idempotency
// keys; the optional redis lease only keeps overlapping sweeps from doing
// the same work twice.
type Sweeper struct {
	id          string
	flowService *services.FlowService
	persistence persistence.Persistence
	leaser      *leases.RedisLeaser
	tracer      trace.Tracer
	interval    time.Duration
	logger      *slog.Logger
}

func NewSweeper(
	id string,
	flowService *services.FlowService,
	persistence persistence.Persistence,
	leaser *leases.RedisLeaser,
	tracer trace.Tracer,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		id:          id,
		flowService: flowService,
		persistence: persistence,
		leaser:      leaser,
		tracer:      tracer,
		interval:    interval,
		logger:      logger.With("module", "sweeper", "sweeper_id", id),
	}
}

// Start runs sweep passes on a fixed interval until a shutdown signal or
// context cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)

	s.logger.Info("Starting sweeper", "interval", s.interval)

	s.handleSignals(cancel)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One pass at startup so a restart does not wait a full interval.
	s.sweep(sCtx)

	for {
		select {
		case <-sCtx.Done():
			s.logger.Info("Sweeper context cancelled, stopping...")

			return
		case <-ticker.C:
			s.sweep(sCtx)
		}
	}
}

func (s *Sweeper) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		s.logger.Info("Received signal", "signal", sig)
		cancel()
	}()
}

// sweep materializes runs for every schedulable flow once.
func (s *Sweeper) sweep(ctx context.Context) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "sweeper.sweep",
		attribute.String(otelhelper.ServiceIDKey, s.id),
	)
	defer span.End()

	flowIDs, err := s.persistence.Flows().ListSchedulable(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "Failed to list schedulable flows", "error", err)

		return
	}

	span.SetAttributes(attribute.Int("tideflow.sweep.flows", len(flowIDs)))

	var scheduled int

	for _, flowID := range flowIDs {
		if ctx.Err() != nil {
			return
		}

		scheduled += s.sweepFlow(ctx, flowID)
	}

	span.SetAttributes(attribute.Int("tideflow.sweep.runs_scheduled", scheduled))

	if scheduled > 0 {
		s.logger.InfoContext(ctx, "Sweep pass complete",
			"flows", len(flowIDs), "runs_scheduled", scheduled)
	}
}

func (s *Sweeper) sweepFlow(ctx context.Context, flowID string) int {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "sweeper.sweep_flow",
		attribute.String(otelhelper.FlowIDKey, flowID),
	)
	defer span.End()

	if s.leaser != nil {
		acquired, err := s.leaser.Acquire(ctx, flowID)
		if err != nil {
			otelhelper.SetError(span, err)
			s.logger.WarnContext(ctx, "Lease acquisition failed, skipping flow",
				"flow_id", flowID, "error", err)

			return 0
		}

		if !acquired {
			span.SetAttributes(attribute.Bool("tideflow.sweep.lease_held_elsewhere", true))

			return 0
		}

		defer func() {
			if err := s.leaser.Release(ctx, flowID); err != nil {
				s.logger.WarnContext(ctx, "Failed to release lease",
					"flow_id", flowID, "error", err)
			}
		}()
	}

	runIDs, err := s.flowService.ScheduleFlowRuns(ctx, flowID, nil)
	if err != nil {
		otelhelper.SetError(span, err)
		s.logger.ErrorContext(ctx, "Materialization failed",
			"flow_id", flowID, "error", err)

		return 0
	}

	return len(runIDs)
}
