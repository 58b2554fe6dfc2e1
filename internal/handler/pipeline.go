package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/assetforge/api/internal/middleware"
	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/service"
	"github.com/assetforge/api/pkg/response"
)

type PipelineHandler struct {
	service   *service.PipelineService
	validator *validator.Validate
}

func NewPipelineHandler(svc *service.PipelineService, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/v1/pipeline/generate
func (h *PipelineHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.BadRequest(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.CreateGenerationJob(c.Context(), middleware.GetIdentity(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return response.BadRequest(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, job.Summary())
}

// Retexture handles POST /api/v1/pipeline/retexture
func (h *PipelineHandler) Retexture(c *fiber.Ctx) error {
	var req model.RetextureRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.BadRequest(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.CreateRetextureJob(c.Context(), middleware.GetIdentity(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return response.BadRequest(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, job.Summary())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
