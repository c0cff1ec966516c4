package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/app"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

type Handler struct {
	svc    *app.TarotService
	interp ports.Interpreter
	logger *slog.Logger
}

func NewHandler(svc *app.TarotService, interp ports.Interpreter, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, interp: interp, logger: logger}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	for _, kind := range domain.Kinds() {
		e.GET(ports.DrawPath(kind), h.drawHandler(kind))
		e.POST(ports.StorePath(kind), h.storeHandler(kind))
	}
	e.GET(ports.PathCanDraw, h.CanDraw)
	e.GET(ports.PathUserDraws, h.ListDraws)
	e.DELETE(ports.PathUserDraws+"/:id", h.DeleteDraw)
	e.POST(ports.PathInterpret, h.Interpret)
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) drawHandler(kind domain.SpreadKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := userID(c)
		if kind.RequiresAuth() && user == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: fmt.Sprintf("%s spreads require sign-in", kind.Title())})
		}

		res, err := h.svc.Draw(c.Request().Context(), kind, user)
		if err != nil {
			return h.mapError(c, err)
		}
		if res.Limited {
			setRateLimit(c, res.Remaining, res.ResetAt.Unix())
		}
		return c.JSON(http.StatusOK, DrawResponse{ID: res.ID, Positions: res.Positions})
	}
}

func (h *Handler) CanDraw(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "sign-in required"})
	}
	a, resetAt, err := h.svc.Allowance(c.Request().Context(), user)
	if err != nil {
		return h.mapError(c, err)
	}
	setRateLimit(c, a.Remaining, resetAt.Unix())
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListDraws(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "sign-in required"})
	}
	draws, err := h.svc.History(c.Request().Context(), user)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, draws)
}

func (h *Handler) DeleteDraw(c echo.Context) error {
	user := userID(c)
	if user == "" {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "sign-in required"})
	}
	if err := h.svc.DeleteDraw(c.Request().Context(), user, c.Param("id")); err != nil {
		return h.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// storeHandler attaches an interpretation to a draw. With token
// verification on, the caller must be signed in. Without it the user named
// in the body stands in for a missing User-ID header. The draw must belong
// to the caller either way.
func (h *Handler) storeHandler(kind domain.SpreadKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ports.StoreRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil || req.DrawID == "" {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "draw_id and response are required"})
		}
		user := userID(c)
		switch {
		case user == "" && verified(c):
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "sign-in required"})
		case user == "":
			user = req.UserID
		case req.UserID != "" && req.UserID != user:
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: "user_id does not match the caller"})
		}

		if err := h.svc.StoreInterpretation(c.Request().Context(), kind, req.DrawID, user, req.Response); err != nil {
			return h.mapError(c, err)
		}
		return c.JSON(http.StatusOK, StatusResponse{Status: "stored"})
	}
}

// Interpret streams an interpretation as server-sent events. Headers are
// only committed with the first delta, so a failure before any text is
// still reported as a plain error response. A failure after that ends the
// stream without the [DONE] marker.
func (h *Handler) Interpret(c echo.Context) error {
	var req ports.InterpretRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "messages are required"})
	}
	if !req.Stream {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "only streaming requests are supported"})
	}

	resp := c.Response()
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.WriteHeader(http.StatusOK)
	}
	emit := func(delta string) error {
		begin()
		if err := writeEvent(resp, streamChunk{Model: req.Model, Choices: []streamChoice{{Delta: streamDelta{Content: delta}}}}); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	model, err := h.interp.Interpret(c.Request().Context(), req, emit)
	if err != nil {
		if !started {
			return h.mapError(c, err)
		}
		h.logger.Error("interpretation stream broken", "request_id", c.Get(ctxRequestID), "error", err)
		return nil
	}
	begin()
	if _, err := fmt.Fprint(resp, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	resp.Flush()
	h.logger.Debug("interpretation streamed", "request_id", c.Get(ctxRequestID), "model", model)
	return nil
}

func writeEvent(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func setRateLimit(c echo.Context, remaining int, reset int64) {
	c.Response().Header().Set(ports.HeaderRemaining, strconv.Itoa(remaining))
	c.Response().Header().Set(ports.HeaderReset, strconv.FormatInt(reset, 10))
}

func (h *Handler) mapError(c echo.Context, err error) error {
	requestID, _ := c.Get(ctxRequestID).(string)

	var qe *domain.QuotaError
	switch {
	case errors.As(err, &qe):
		setRateLimit(c, 0, qe.Decision.ResetAt.Unix())
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrUnknownSpread):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, app.ErrDrawNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "draw not found"})
	case errors.Is(err, domain.ErrDeckNotFound):
		h.logger.Error("deck missing", "request_id", requestID, "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	case errors.Is(err, domain.ErrUpstreamLLM):
		h.logger.Error("upstream LLM failure", "request_id", requestID, "error", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "upstream LLM failure"})
	default:
		h.logger.Error("internal error", "request_id", requestID, "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
