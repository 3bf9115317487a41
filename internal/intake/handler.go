// Package intake exposes the lab message queue to lab systems over HTTP
// and MLLP.
package intake

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/labrules"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/queue"
)

// Processor drains the queue and builds the current rule chain.
type Processor interface {
	Drain(ctx context.Context) (queue.DrainStats, error)
	Chain(ctx context.Context) (*labrules.Chain, error)
}

type Handler struct {
	store  queue.Store
	proc   Processor
	logger zerolog.Logger
}

func NewHandler(store queue.Store, proc Processor, logger zerolog.Logger) *Handler {
	return &Handler{store: store, proc: proc, logger: logger}
}

// RegisterRoutes registers the lab message endpoints on g.
//
//	POST /lab-messages            - queue a message
//	GET  /lab-messages/queue      - queue depth
//	POST /lab-messages/drain      - process the queue now
//	POST /lab-messages/normalize  - run the rule chain without queueing
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/lab-messages", h.Submit)
	g.GET("/lab-messages/queue", h.QueueDepth)
	g.POST("/lab-messages/drain", h.Drain)
	g.POST("/lab-messages/normalize", h.Normalize)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// readMessage returns the request body with segment terminators
// normalized, or the reason it is not a message.
func readMessage(c echo.Context) (text, problem string) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", "failed to read request body"
	}
	text = strings.TrimSpace(hl7v2.NormalizeLineEndings(string(body)))
	switch {
	case text == "":
		return "", "request body is empty"
	case !strings.HasPrefix(text, "MSH"):
		return "", "message must start with an MSH segment"
	}
	return text, ""
}

type submitResponse struct {
	ID        string `json:"id"`
	ControlID string `json:"control_id"`
	Status    string `json:"status"`
}

// Submit handles POST /lab-messages.
func (h *Handler) Submit(c echo.Context) error {
	text, problem := readMessage(c)
	if problem != "" {
		return errorJSON(c, http.StatusBadRequest, problem)
	}
	msg, err := hl7v2.Parse([]byte(text))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}

	queued, err := h.store.Enqueue(c.Request().Context(), text, msg.SendingApplication())
	if err != nil {
		h.logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("enqueue lab message")
		return errorJSON(c, http.StatusInternalServerError, "failed to queue message")
	}
	h.logger.Info().Str("message_id", queued.ID.String()).Str("control_id", msg.ControlID).Str("sender", queued.Source).Msg("lab message queued")

	return c.JSON(http.StatusAccepted, submitResponse{
		ID:        queued.ID.String(),
		ControlID: msg.ControlID,
		Status:    queued.Status,
	})
}

type depthResponse struct {
	Pending  int `json:"pending"`
	Archived int `json:"archived"`
}

// QueueDepth handles GET /lab-messages/queue.
func (h *Handler) QueueDepth(c echo.Context) error {
	ctx := c.Request().Context()
	pending, err := h.store.Size(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to read queue size")
	}
	archived, err := h.store.ArchiveSize(ctx)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to read archive size")
	}
	return c.JSON(http.StatusOK, depthResponse{Pending: pending, Archived: archived})
}

// Drain handles POST /lab-messages/drain.
func (h *Handler) Drain(c echo.Context) error {
	stats, err := h.proc.Drain(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("drain requested over HTTP failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "drain failed: " + err.Error(),
			"stats": stats,
		})
	}
	if stats.Skipped {
		return c.JSON(http.StatusConflict, stats)
	}
	return c.JSON(http.StatusOK, stats)
}

type segmentJSON struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

type normalizeResponse struct {
	Normalized string        `json:"normalized"`
	Type       string        `json:"type,omitempty"`
	ControlID  string        `json:"control_id,omitempty"`
	Segments   []segmentJSON `json:"segments,omitempty"`
	ParseError string        `json:"parse_error,omitempty"`
}

// Normalize handles POST /lab-messages/normalize. It returns the rule chain
// output and how it parses, and queues nothing.
func (h *Handler) Normalize(c echo.Context) error {
	text, problem := readMessage(c)
	if problem != "" {
		return errorJSON(c, http.StatusBadRequest, problem)
	}
	chain, err := h.proc.Chain(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to load rules: "+err.Error())
	}

	resp := normalizeResponse{Normalized: chain.Normalize(text)}
	msg, err := hl7v2.Parse([]byte(resp.Normalized))
	if err != nil {
		resp.ParseError = err.Error()
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}

	resp.Type, resp.ControlID = msg.Type, msg.ControlID
	resp.Segments = make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]string, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = f.Value
		}
		resp.Segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}
	return c.JSON(http.StatusOK, resp)
}
