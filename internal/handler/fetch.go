package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"thordata-proxy-go/internal/model"
	"thordata-proxy-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs echoed by parse errors.
var userinfoPattern = regexp.MustCompile(`(//)[^/@\s"]+@`)

// FetchHandler fetches a URL through the gateway on behalf of the caller.
type FetchHandler struct {
	service *service.FetchService
	logger  *slog.Logger
}

// NewFetchHandler creates a FetchHandler.
func NewFetchHandler(svc *service.FetchService, logger *slog.Logger) *FetchHandler {
	return &FetchHandler{
		service: svc,
		logger:  logger.With("component", "fetch_handler"),
	}
}

// fetchResponse is the JSON body of a completed fetch. The target body is
// returned as text when it is valid UTF-8 and base64-encoded otherwise.
type fetchResponse struct {
	StatusCode int          `json:"status_code"`
	StatusLine string       `json:"status_line"`
	Headers    model.Header `json:"headers"`
	Body       *string      `json:"body,omitempty"`
	BodyBase64 string       `json:"body_base64,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

// Handle serves GET /api/v1/fetch?url=&country=&city=&session=&sesstime=.
// The target's status is reported in the body; the HTTP status is 200 for
// any completed fetch.
func (h *FetchHandler) Handle(c echo.Context) error {
	q := c.QueryParams()

	fr := service.FetchRequest{
		URL:       q.Get("url"),
		Country:   q.Get("country"),
		City:      q.Get("city"),
		SessionID: q.Get("session"),
	}
	if v := q.Get("sesstime"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "sesstime must be an integer number of minutes",
			})
		}
		fr.SessionMinutes = n
	}

	res, err := h.service.Fetch(c.Request().Context(), fr)
	if err != nil {
		return h.mapError(c, err)
	}

	resp := res.Response
	out := fetchResponse{
		StatusCode: resp.StatusCode,
		StatusLine: resp.StatusLine,
		Headers:    resp.Header,
		SessionID:  res.SessionID,
		DurationMS: res.Duration.Milliseconds(),
	}
	if utf8.Valid(resp.Body) {
		body := string(resp.Body)
		out.Body = &body
	} else {
		out.BodyBase64 = base64.StdEncoding.EncodeToString(resp.Body)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *FetchHandler) mapError(c echo.Context, err error) error {
	msg := sanitizeError(err)

	if errors.Is(err, context.Canceled) {
		h.logger.Info("fetch canceled", "err", msg)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var fe *model.FetchError
	if !errors.As(err, &fe) {
		h.logger.Error("fetch error", "err", msg)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "fetch failed",
		})
	}

	body := map[string]string{
		"error": msg,
		"kind":  string(fe.Kind),
		"phase": string(fe.Phase),
	}

	switch fe.Kind {
	case model.KindConfiguration:
		return c.JSON(http.StatusBadRequest, body)
	case model.KindTimeout:
		h.logger.Warn("fetch timed out", "phase", fe.Phase)
		return c.JSON(http.StatusGatewayTimeout, body)
	case model.KindTunnelRejected:
		h.logger.Warn("tunnel rejected", "status", fe.StatusLine)
		body["proxy_status"] = fe.StatusLine
		return c.JSON(http.StatusBadGateway, body)
	default:
		h.logger.Error("fetch error", "kind", fe.Kind, "phase", fe.Phase, "err", msg)
		return c.JSON(http.StatusBadGateway, body)
	}
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
