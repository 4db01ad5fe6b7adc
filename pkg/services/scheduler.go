package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/schedule"
)

// autoScheduledKeyPrefix marks run idempotency keys minted by the
// materializer. The occurrence start time completes the key, so two passes
// over the same occurrence collapse to one run.
const autoScheduledKeyPrefix = "auto-scheduled:"

// ScheduleFlowRuns materializes the next scheduled runs of a flow. The pass
// is idempotent: it only creates runs for occurrences past the flow's
// watermark (the latest auto-scheduled start time), and occurrence-derived
// idempotency keys absorb concurrent passes. maxRuns of nil uses the service
// default. It returns the ids of the runs created by this pass.
//
// A flow that is archived, schedule-inactive or scheduleless yields zero runs
// without error, so sweeps can call this blindly.
func (s *FlowService) ScheduleFlowRuns(ctx context.Context, flowID string, maxRuns *int) ([]string, error) {
	const op = "schedule_flow_runs"

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return nil, err
	}

	if flow.Archived || !flow.IsScheduleActive {
		return nil, nil
	}

	raw, err := s.effectiveSchedule(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	sched, err := schedule.Parse(raw)
	if err != nil {
		// A broken schedule fails this flow's pass, not the caller's sweep.
		s.logger.WarnContext(ctx, "unschedulable flow: invalid schedule",
			"flow_id", flow.ID, "error", err)

		return nil, nil
	}

	limit := s.maxScheduledRuns
	if maxRuns != nil && *maxRuns > 0 {
		limit = *maxRuns
	}

	now := time.Now().UTC()

	// New flows start their horizon at now; flows with history extend it
	// strictly past the watermark.
	watermark := now

	latest, err := s.persistence.FlowRuns().MaxAutoScheduledStart(ctx, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read watermark: %w", op, err)
	}

	if latest != nil {
		watermark = latest.UTC()
	}

	created := make([]string, 0, limit)

	for _, occurrence := range sched.Next(now, limit) {
		if !occurrence.StartTime.After(watermark) {
			continue
		}

		run := &models.FlowRun{
			ID:                 uuid.New().String(),
			FlowID:             flow.ID,
			TenantID:           flow.TenantID,
			ScheduledStartTime: occurrence.StartTime,
			Parameters:         runParameters(flow, occurrence),
			State:              models.RunStateScheduled,
			IdempotencyKey:     autoScheduledKeyPrefix + occurrence.StartTime.UTC().Format(time.RFC3339),
			CreatedAt:          now,
		}

		id, inserted, err := s.persistence.FlowRuns().Create(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to create run: %w", op, err)
		}

		// A concurrent pass already owns this occurrence.
		if !inserted {
			continue
		}

		created = append(created, id)
	}

	if len(created) == 0 {
		return nil, nil
	}

	if err := s.persistence.FlowRuns().MarkAutoScheduled(ctx, created); err != nil {
		return nil, fmt.Errorf("%s: failed to mark runs auto-scheduled: %w", op, err)
	}

	s.logger.InfoContext(ctx, "flow runs materialized",
		"flow_id", flow.ID, "count", len(created))

	s.publish(ctx, flow.ID, events.FlowRunsScheduled{
		BaseEvent: s.baseEvent(events.FlowRunsScheduledEvent, flow.TenantID, flow.ID),
		RunIDs:    created,
	})

	return created, nil
}

// effectiveSchedule resolves the schedule the materializer should follow: a
// schedule on the flow group overrides the schedule of every version in it.
func (s *FlowService) effectiveSchedule(ctx context.Context, flow *models.Flow) ([]byte, error) {
	if flow.FlowGroupID != "" {
		group, err := s.persistence.FlowGroups().GetByID(ctx, flow.FlowGroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow group: %w", err)
		}

		if group != nil && len(group.Schedule) > 0 {
			return group.Schedule, nil
		}
	}

	return flow.Schedule, nil
}

// runParameters merges flow parameter defaults under the occurrence's clock
// defaults.
func runParameters(flow *models.Flow, occurrence schedule.Occurrence) map[string]any {
	if len(flow.Parameters) == 0 && len(occurrence.ParameterDefaults) == 0 {
		return nil
	}

	params := make(map[string]any)

	for _, param := range flow.Parameters {
		if param.Default != nil {
			params[param.Slug] = param.Default
		}
	}

	for slug, value := range occurrence.ParameterDefaults {
		params[slug] = value
	}

	return params
}
