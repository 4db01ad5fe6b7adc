package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/tideflow-io/tideflow/pkg/services"
)

type APIHandlers struct {
	flowService *services.FlowService
	validator   *validator.Validate
}

func NewAPIHandlers(flowService *services.FlowService, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		validator:   validator,
	}
}

// RegisterRoutes mounts every flow endpoint on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/flows", h.CreateFlow)
	app.Get("/flows/:id", h.GetFlow)
	app.Delete("/flows/:id", h.DeleteFlow)

	app.Post("/flows/:id/archive", h.ArchiveFlow)
	app.Post("/flows/:id/unarchive", h.UnarchiveFlow)
	app.Patch("/flows/:id/project", h.UpdateFlowProject)

	app.Post("/flows/:id/schedule/activate", h.ActivateSchedule)
	app.Post("/flows/:id/schedule/deactivate", h.DeactivateSchedule)
	app.Post("/flows/:id/runs/schedule", h.ScheduleRuns)
	app.Get("/flows/:id/runs", h.ListRuns)

	app.Post("/flows/:id/heartbeat/enable", h.toggle((*services.FlowService).EnableFlowHeartbeat))
	app.Post("/flows/:id/heartbeat/disable", h.toggle((*services.FlowService).DisableFlowHeartbeat))
	app.Post("/flows/:id/lazarus/enable", h.toggle((*services.FlowService).EnableFlowLazarusProcess))
	app.Post("/flows/:id/lazarus/disable", h.toggle((*services.FlowService).DisableFlowLazarusProcess))
	app.Post("/flows/:id/version-lock/enable", h.toggle((*services.FlowService).EnableFlowVersionLock))
	app.Post("/flows/:id/version-lock/disable", h.toggle((*services.FlowService).DisableFlowVersionLock))

	app.Patch("/flows/:id/settings", h.UpdateFlowSetting)
	app.Patch("/flow-groups/:id/settings", h.UpdateFlowGroupSetting)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Tideflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Tideflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	setScheduleActive := true
	if req.SetScheduleActive != nil {
		setScheduleActive = *req.SetScheduleActive
	}

	flowID, err := h.flowService.CreateFlow(c.Context(), services.CreateFlowRequest{
		TenantID:          req.TenantID,
		ProjectID:         req.ProjectID,
		Submission:        req.Submission,
		VersionGroupID:    req.VersionGroupID,
		SetScheduleActive: setScheduleActive,
		Description:       req.Description,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreateFlowResponse{ID: flowID})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.flowService.GetFlow(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if err := h.flowService.DeleteFlow(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ArchiveFlow(c fiber.Ctx) error {
	return h.flowAction(c, (*services.FlowService).ArchiveFlow)
}

func (h *APIHandlers) UnarchiveFlow(c fiber.Ctx) error {
	return h.flowAction(c, (*services.FlowService).UnarchiveFlow)
}

func (h *APIHandlers) ActivateSchedule(c fiber.Ctx) error {
	return h.flowAction(c, (*services.FlowService).SetScheduleActive)
}

func (h *APIHandlers) DeactivateSchedule(c fiber.Ctx) error {
	return h.flowAction(c, (*services.FlowService).SetScheduleInactive)
}

func (h *APIHandlers) UpdateFlowProject(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req UpdateProjectRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.flowService.UpdateFlowProject(c.Context(), id, req.ProjectID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ScheduleRuns triggers one materialization pass on demand; periodic passes
// belong to the sweeper.
func (h *APIHandlers) ScheduleRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req ScheduleRunsRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	runIDs, err := h.flowService.ScheduleFlowRuns(c.Context(), id, req.MaxRuns)
	if err != nil {
		return handleServiceError(c, err)
	}

	if runIDs == nil {
		runIDs = []string{}
	}

	return c.JSON(ScheduleRunsResponse{RunIDs: runIDs})
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	runs, err := h.flowService.ListFlowRuns(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(runs)
}

// UpdateFlowSetting merges one settings key into the flow's version group.
func (h *APIHandlers) UpdateFlowSetting(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req UpdateSettingRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.flowService.UpdateFlowSetting(c.Context(), id, req.Key, req.Value); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) UpdateFlowGroupSetting(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow group ID is required")
	}

	var req UpdateSettingRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.flowService.UpdateFlowGroupSetting(c.Context(), id, req.Key, req.Value); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) flowAction(c fiber.Ctx, action func(*services.FlowService, context.Context, string) error) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if err := action(h.flowService, c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) toggle(action func(*services.FlowService, context.Context, string) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		return h.flowAction(c, action)
	}
}
