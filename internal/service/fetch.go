// Package service implements fetching through the proxy gateway on behalf of
// API and CLI callers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"thordata-proxy-go/internal/client"
	"thordata-proxy-go/internal/config"
	"thordata-proxy-go/internal/gateway"
	"thordata-proxy-go/internal/model"
)

// NewSession asks for a freshly generated sticky session id.
const NewSession = "new"

var (
	// ErrMissingURL is returned when the request names no target.
	ErrMissingURL = errors.New("url is required")
	// ErrRoutingWithoutAuth is returned when geo or session routing is
	// requested but the gateway is used without credentials.
	ErrRoutingWithoutAuth = errors.New("country, city and session routing require proxy credentials")
)

// Fetcher performs a single tunneled fetch. *client.TunnelClient satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req client.Request) (*model.ProxyResponse, error)
}

// FetchRequest is a fetch with optional per-request routing. Blank fields
// fall back to the [gateway] defaults.
type FetchRequest struct {
	URL            string
	Country        string
	City           string
	SessionID      string // NewSession generates one
	SessionMinutes int
}

// FetchResult is the target's response plus the routing actually used.
type FetchResult struct {
	Response  *model.ProxyResponse
	SessionID string
	Duration  time.Duration
}

// FetchService applies routing defaults and runs fetches.
type FetchService struct {
	fetcher Fetcher
	base    *gateway.Credential
	logger  *slog.Logger
}

// NewFetchService creates a FetchService using the configured gateway account.
func NewFetchService(f *client.TunnelClient, cfg *config.Config, logger *slog.Logger) *FetchService {
	return newFetchService(f, cfg.Gateway.Credential(), logger)
}

func newFetchService(f Fetcher, base *gateway.Credential, logger *slog.Logger) *FetchService {
	return &FetchService{
		fetcher: f,
		base:    base,
		logger:  logger.With("component", "fetch_service"),
	}
}

// Fetch runs fr through the gateway. Errors are *model.FetchError.
func (s *FetchService) Fetch(ctx context.Context, fr FetchRequest) (*FetchResult, error) {
	if strings.TrimSpace(fr.URL) == "" {
		return nil, configError(ErrMissingURL)
	}

	cred, err := s.credential(fr)
	if err != nil {
		return nil, configError(err)
	}

	var sessionID string
	if cred != nil {
		sessionID = cred.SessionID
	}

	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, client.Request{URL: fr.URL, Credential: cred})
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("fetch failed",
			"url", fr.URL,
			"kind", string(model.KindOf(err)),
			"error", err,
			"duration", elapsed,
		)
		return nil, err
	}

	s.logger.Debug("fetch succeeded",
		"url", fr.URL,
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"session", sessionID,
		"duration", elapsed,
	)
	return &FetchResult{Response: resp, SessionID: sessionID, Duration: elapsed}, nil
}

// credential merges the request's routing into the configured account.
func (s *FetchService) credential(fr FetchRequest) (*gateway.Credential, error) {
	routed := fr.Country != "" || fr.City != "" || fr.SessionID != "" || fr.SessionMinutes != 0
	if s.base == nil {
		if routed {
			return nil, ErrRoutingWithoutAuth
		}
		return nil, nil
	}

	cred := *s.base
	if fr.Country != "" {
		cred.Country = fr.Country
	}
	if fr.City != "" {
		cred.City = fr.City
	}
	switch {
	case strings.EqualFold(fr.SessionID, NewSession):
		cred.SessionID = newSessionID()
	case fr.SessionID != "":
		cred.SessionID = fr.SessionID
	}
	if fr.SessionMinutes != 0 {
		cred.SessionMinutes = fr.SessionMinutes
	}

	if err := validateRouting(cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// validateRouting rejects values that would corrupt the gateway username:
// '-' separates its segments and ':' ends it in the Basic credential.
func validateRouting(c gateway.Credential) error {
	for _, f := range []struct{ name, value string }{
		{"country", c.Country},
		{"city", c.City},
		{"session", c.SessionID},
	} {
		if strings.ContainsAny(f.value, "-:\r\n") {
			return fmt.Errorf("%s %q must not contain '-' or ':'", f.name, f.value)
		}
	}
	if c.SessionMinutes < 0 {
		return fmt.Errorf("session minutes must be non-negative; got %d", c.SessionMinutes)
	}
	return nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func configError(err error) error {
	return model.NewFetchError(model.KindConfiguration, model.PhaseConfig, err)
}
