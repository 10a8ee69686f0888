package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hsnksc/mp4totext-backend-sub001/internal/jobs"
	"github.com/hsnksc/mp4totext-backend-sub001/internal/queue"
)

// laneCounter is the slice of the store the lanes view reads. Kept as
// an interface so handler tests run without a database.
type laneCounter interface {
	CountByStatus(ctx context.Context, lane string) (map[string]int64, error)
}

// lanesListHandler shows every lane's pool state and queue depth.
func lanesListHandler(c *fiber.Ctx) error {
	pools := c.Locals("pools").(*jobs.Manager)
	broker := c.Locals("broker").(queue.Broker)
	counter, _ := c.Locals("store").(laneCounter)

	var lanes []LaneItem
	for _, lane := range pools.Lanes() {
		pool, _ := pools.Pool(lane)
		item := LaneItem{
			Lane:     lane,
			Workers:  pool.Size(),
			InFlight: pool.InFlight(),
			Paused:   pool.Paused(),
		}
		if depth, err := broker.Depth(c.Context(), lane); err == nil {
			item.QueueDepth = depth
		}
		if counter != nil {
			if counts, err := counter.CountByStatus(c.Context(), lane); err == nil {
				item.Jobs = counts
			}
		}
		lanes = append(lanes, item)
	}

	return c.JSON(LanesResponse{Success: true, Lanes: lanes})
}

func lanePool(c *fiber.Ctx) (*jobs.Pool, string, error) {
	pools := c.Locals("pools").(*jobs.Manager)
	lane := c.Params("lane")
	pool, ok := pools.Pool(lane)
	if !ok {
		return nil, lane, c.Status(fiber.StatusNotFound).JSON(LaneActionResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "unknown lane",
		})
	}
	return pool, lane, nil
}

// lanePauseHandler stops a lane from dequeuing new work; in-flight
// jobs run to completion.
func lanePauseHandler(c *fiber.Ctx) error {
	pool, lane, err := lanePool(c)
	if pool == nil {
		return err
	}
	pool.Pause()
	return c.JSON(LaneActionResponse{Success: true, Lane: lane, Workers: pool.Size(), Paused: true})
}

func laneResumeHandler(c *fiber.Ctx) error {
	pool, lane, err := lanePool(c)
	if pool == nil {
		return err
	}
	pool.Resume()
	return c.JSON(LaneActionResponse{Success: true, Lane: lane, Workers: pool.Size(), Paused: false})
}

// laneWorkersHandler overrides a lane's worker count within its
// configured bounds.
func laneWorkersHandler(c *fiber.Ctx) error {
	pool, lane, err := lanePool(c)
	if pool == nil {
		return err
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(LaneActionResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid JSON body",
		})
	}

	n := pool.SetWorkerCount(req.Count)
	return c.JSON(LaneActionResponse{Success: true, Lane: lane, Workers: n, Paused: pool.Paused()})
}

// jobRequeueHandler resets a failed job's attempt budget and puts it
// back on its lane.
func jobRequeueHandler(c *fiber.Ctx) error {
	svc := c.Locals("service").(*jobs.Service)

	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(JobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid job id",
		})
	}

	job, err := svc.RequeueFailed(c.Context(), jobID)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(JobResponse{
			Success: false,
			Code:    "REQUEUE_FAILED",
			Error:   err.Error(),
		})
	}

	item := jobItem(job)
	return c.JSON(JobResponse{Success: true, Job: &item})
}
