package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/middleware"
	"github.com/manimcat/api/internal/model"
	"github.com/manimcat/api/internal/service"
	"github.com/manimcat/api/pkg/response"
)

var log = logging.Component("JobHandler")

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
func (h *JobHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return submitError(c, err)
	}

	log.WithFields(logrus.Fields{
		"jobId":      result.JobID,
		"userId":     middleware.GetUserID(c),
		"outputMode": req.OutputMode,
		"hasCode":    req.Code != "",
	}).Info("Job submitted")
	return response.Accepted(c, result)
}

// Modify handles POST /api/modify
func (h *JobHandler) Modify(c *fiber.Ctx) error {
	var req model.ModifyRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Modify(c.UserContext(), &req)
	if err != nil {
		return submitError(c, err)
	}

	log.WithFields(logrus.Fields{
		"jobId":  result.JobID,
		"userId": middleware.GetUserID(c),
	}).Info("Edit job submitted")
	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel. The body is optional.
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	var req model.CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	result, err := h.service.Cancel(c.UserContext(), jobID, req.Reason)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	log.WithFields(logrus.Fields{
		"jobId":  jobID,
		"userId": middleware.GetUserID(c),
		"state":  result.State,
	}).Info("Cancel requested")
	return response.OK(c, result)
}

func submitError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrEmptyConcept) {
		return response.ValidationError(c, "Concept must not be empty", nil)
	}
	log.WithError(err).Error("Failed to queue job")
	return response.Unavailable(c, "Failed to queue job")
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
