package http

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/store"
)

// createJobHandler accepts a job submission and returns a handle
// immediately; the work itself runs on the worker tier.
func createJobHandler(c *fiber.Ctx) error {
	svc := c.Locals("service").(*jobs.Service)

	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(JobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid JSON body",
		})
	}
	if strings.TrimSpace(req.Kind) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(JobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "kind is required",
		})
	}

	job, err := svc.CreateJob(c.Context(), req.Kind, req.Payload)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(JobResponse{
			Success: false,
			Code:    "JOB_CREATE_FAILED",
			Error:   err.Error(),
		})
	}

	item := jobItem(job)
	return c.Status(fiber.StatusAccepted).JSON(JobResponse{Success: true, Job: &item})
}

// jobGetHandler is the polling read. It always returns a well-formed
// status object; terminal errors surface as fields, never as HTTP
// failures.
func jobGetHandler(c *fiber.Ctx) error {
	svc := c.Locals("service").(*jobs.Service)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(JobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid job id",
		})
	}

	job, err := svc.GetJob(c.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(JobResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "job not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(JobResponse{
			Success: false,
			Code:    "JOB_GET_FAILED",
			Error:   err.Error(),
		})
	}

	item := jobItem(job)
	return c.JSON(JobResponse{Success: true, Job: &item})
}

// jobsListHandler lists recent jobs with optional lane/status filters.
func jobsListHandler(c *fiber.Ctx) error {
	svc := c.Locals("service").(*jobs.Service)

	lane := c.Query("lane")
	status := c.Query("status")
	limit := int32(50)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = int32(n)
		}
	}

	list, err := svc.ListJobs(c.Context(), lane, status, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ListJobsResponse{
			Success: false,
			Code:    "JOB_LIST_FAILED",
			Error:   err.Error(),
		})
	}

	items := make([]JobItem, 0, len(list))
	for _, j := range list {
		items = append(items, jobItem(j))
	}
	return c.JSON(ListJobsResponse{Success: true, Jobs: items})
}
