package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/core/fleet"
	"github.com/dgnsrekt/requests-whaor/internal/core/ports"
	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

const (
	// maxFetchBody caps how much of a fetched page is relayed.
	maxFetchBody = 10 << 20
	shortIDLen   = 12
)

// FleetService is what the admin API needs from a running fleet.
type FleetService interface {
	Snapshot() fleet.Snapshot
	Circuits(ctx context.Context) ([]domain.Container, error)
	Rotate(ctx context.Context) ([]string, error)
	Client() *requestor.Client
}

type FleetHandler struct {
	fleet   FleetService
	service ports.ContainerService
	logger  *zap.Logger
}

func NewFleetHandler(fleet FleetService, service ports.ContainerService, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{fleet: fleet, service: service, logger: logger}
}

func (h *FleetHandler) GetFleet(c *fiber.Ctx) error {
	return c.JSON(h.fleet.Snapshot())
}

func (h *FleetHandler) ListCircuits(c *fiber.Ctx) error {
	circuits, err := h.fleet.Circuits(c.UserContext())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(circuits)
}

func (h *FleetHandler) Rotate(c *fiber.Ctx) error {
	restarted, err := h.fleet.Rotate(c.UserContext())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"restarted": restarted,
	})
}

// Fetch retrieves ?url= through the rotating proxy and relays the response.
func (h *FleetHandler) Fetch(c *fiber.Ctx) error {
	target := c.Query("url")
	if target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url query parameter is required",
		})
	}

	client := h.fleet.Client()
	if client == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "fleet is not ready",
		})
	}

	resp, err := client.Get(c.UserContext(), target, nil)
	if err != nil {
		h.logger.Warn("fetch failed", zap.String("url", target), zap.Error(err))
		if errors.Is(err, errdefs.ErrExhausted) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	return c.Status(resp.StatusCode).Send(body)
}

func (h *FleetHandler) GetContainerLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Container ID is required",
		})
	}

	container, err := h.fleetContainer(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}

	logs, err := h.service.GetContainerLogs(c.UserContext(), container.ID)
	if err != nil {
		return errorResponse(c, err)
	}

	c.Set("Content-Type", "text/plain")
	return c.SendStream(logs)
}

// fleetContainer resolves id, a full ID, a short ID of at least 12 characters
// or a name, among the containers labelled with this fleet's ID.
func (h *FleetHandler) fleetContainer(ctx context.Context, id string) (domain.Container, error) {
	fleetID := h.fleet.Snapshot().ID
	containers, err := h.service.ListContainers(ctx, map[string]string{domain.LabelFleet: fleetID})
	if err != nil {
		return domain.Container{}, err
	}
	for _, container := range containers {
		if container.ID == id || container.Name == id ||
			(len(id) >= shortIDLen && strings.HasPrefix(container.ID, id)) {
			return container, nil
		}
	}
	return domain.Container{}, fmt.Errorf("%w: container %s in fleet %s", errdefs.ErrNotFound, id, fleetID)
}

func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, errdefs.ErrNotStarted), errors.Is(err, errdefs.ErrRuntimeUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
