package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"competition-coordinator/middleware"
	"competition-coordinator/models"
	"competition-coordinator/services"
)

// Coordinator is the part of the state machine exposed over HTTP.
type Coordinator interface {
	CreateCompetition(ctx context.Context, cfg models.CompetitionConfig) (*models.Competition, error)
	GetCompetition(ctx context.Context, id string) (*models.Competition, error)
	History(ctx context.Context, id string) ([]models.CompetitionSnapshot, error)
	Errors(ctx context.Context, id string) ([]models.CompetitionError, error)
	Cancel(ctx context.Context, id, reason string) (*models.Competition, error)
	RequestTicket(ctx context.Context, competitionID string, req services.TicketRequest) (*models.Ticket, error)
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	SubmitEntry(ctx context.Context, ticketID string, sub services.EntrySubmission) (*models.Entry, error)
	GetEntry(ctx context.Context, id string) (*models.Entry, error)
}

type competitionHandler struct {
	coord Coordinator
	log   zerolog.Logger
}

// SetupCompetitionRoutes registers participant routes and, behind the
// service token, the operator routes.
func SetupCompetitionRoutes(app *fiber.App, coord Coordinator, serviceToken string, log zerolog.Logger) {
	h := &competitionHandler{coord: coord, log: log.With().Str("component", "http").Logger()}

	app.Get("/competitions/:id", h.getCompetition)
	app.Get("/competitions/:id/history", h.getHistory)
	app.Post("/competitions/:id/tickets", h.requestTicket)
	app.Get("/tickets/:id", h.getTicket)
	app.Post("/tickets/:id/entry", h.submitEntry)
	app.Get("/entries/:id/rejoin", h.getRejoin)

	operator := app.Group("/operator", middleware.ServiceTokenMiddleware(serviceToken, log))
	operator.Post("/competitions", h.createCompetition)
	operator.Post("/competitions/:id/cancel", h.cancel)
}

func SetupMetricsRoute(app *fiber.App, gatherer prometheus.Gatherer) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *competitionHandler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, services.ErrCompetitionClosed),
		errors.Is(err, services.ErrTerminal):
		return fiber.StatusConflict
	case !services.Classified(err):
		return fiber.StatusInternalServerError
	}
	switch services.KindOf(err) {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindTransientExternal:
		return fiber.StatusServiceUnavailable
	case services.KindPermanentExternal:
		return fiber.StatusBadGateway
	case services.KindDeadlineExceeded:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *competitionHandler) createCompetition(c *fiber.Ctx) error {
	var cfg models.CompetitionConfig
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	comp, err := h.coord.CreateCompetition(c.UserContext(), cfg)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comp)
}

func (h *competitionHandler) getCompetition(c *fiber.Ctx) error {
	comp, err := h.coord.GetCompetition(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(comp)
}

func (h *competitionHandler) getHistory(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	history, err := h.coord.History(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	if len(history) == 0 {
		return h.fail(c, models.ErrNotFound)
	}
	errs, err := h.coord.Errors(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"history": history, "errors": errs})
}

func (h *competitionHandler) cancel(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	comp, err := h.coord.Cancel(c.UserContext(), c.Params("id"), body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(comp)
}

func (h *competitionHandler) requestTicket(c *fiber.Ctx) error {
	var req services.TicketRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	ticket, err := h.coord.RequestTicket(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ticket)
}

func (h *competitionHandler) getTicket(c *fiber.Ctx) error {
	ticket, err := h.coord.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ticket)
}

func (h *competitionHandler) submitEntry(c *fiber.Ctx) error {
	var sub services.EntrySubmission
	if err := c.BodyParser(&sub); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	entry, err := h.coord.SubmitEntry(c.UserContext(), c.Params("id"), sub)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// getRejoin returns the sealed rejoin secret; only the entry's ephemeral
// key opens it.
func (h *competitionHandler) getRejoin(c *fiber.Ctx) error {
	entry, err := h.coord.GetEntry(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if entry.SealedRejoinSecret == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "rejoin secret not available"})
	}
	return c.JSON(fiber.Map{
		"entry_id":             entry.ID,
		"signing_session_id":   entry.SigningSessionID,
		"ephemeral_pubkey":     entry.EphemeralPubkey,
		"sealed_rejoin_secret": entry.SealedRejoinSecret,
	})
}
