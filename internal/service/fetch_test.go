package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"thordata-proxy-go/internal/client"
	"thordata-proxy-go/internal/gateway"
	"thordata-proxy-go/internal/model"
)

// fakeFetcher records requests and returns a canned result.
type fakeFetcher struct {
	reqs []client.Request
	resp *model.ProxyResponse
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, req client.Request) (*model.ProxyResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseCred() *gateway.Credential {
	return &gateway.Credential{Username: "abc", Password: "secret", Country: "us", SessionMinutes: 5}
}

func TestFetch_AppliesRouting(t *testing.T) {
	tests := []struct {
		name     string
		req      FetchRequest
		wantUser string
	}{
		{
			name:     "defaults only",
			req:      FetchRequest{URL: "https://example.com/"},
			wantUser: "td-customer-abc-country-us-sesstime-5",
		},
		{
			name:     "country and city override",
			req:      FetchRequest{URL: "https://example.com/", Country: "DE", City: "Bad Homburg"},
			wantUser: "td-customer-abc-country-de-city-bad_homburg-sesstime-5",
		},
		{
			name:     "explicit session",
			req:      FetchRequest{URL: "https://example.com/", SessionID: "s1", SessionMinutes: 30},
			wantUser: "td-customer-abc-country-us-sessid-s1-sesstime-30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{resp: &model.ProxyResponse{StatusCode: 200}}
			s := newFetchService(f, baseCred(), testLogger())

			res, err := s.Fetch(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Response.StatusCode != 200 {
				t.Errorf("StatusCode = %d, want 200", res.Response.StatusCode)
			}
			if len(f.reqs) != 1 {
				t.Fatalf("fetcher called %d times, want 1", len(f.reqs))
			}
			got := f.reqs[0]
			if got.URL != tt.req.URL {
				t.Errorf("URL = %q, want %q", got.URL, tt.req.URL)
			}
			if got.Credential == nil {
				t.Fatal("Credential = nil")
			}
			if u := got.Credential.GatewayUsername(); u != tt.wantUser {
				t.Errorf("GatewayUsername() = %q, want %q", u, tt.wantUser)
			}
			if res.SessionID != tt.req.SessionID {
				t.Errorf("SessionID = %q, want %q", res.SessionID, tt.req.SessionID)
			}
		})
	}
}

func TestFetch_DoesNotMutateBase(t *testing.T) {
	base := baseCred()
	f := &fakeFetcher{resp: &model.ProxyResponse{StatusCode: 200}}
	s := newFetchService(f, base, testLogger())

	if _, err := s.Fetch(context.Background(), FetchRequest{URL: "http://example.com/", Country: "fr"}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if base.Country != "us" {
		t.Errorf("base Country = %q, want unchanged %q", base.Country, "us")
	}
}

func TestFetch_NewSession(t *testing.T) {
	f := &fakeFetcher{resp: &model.ProxyResponse{StatusCode: 200}}
	s := newFetchService(f, baseCred(), testLogger())

	first, err := s.Fetch(context.Background(), FetchRequest{URL: "http://example.com/", SessionID: "new"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	second, err := s.Fetch(context.Background(), FetchRequest{URL: "http://example.com/", SessionID: "NEW"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	for _, id := range []string{first.SessionID, second.SessionID} {
		if len(id) != 32 || strings.Contains(id, "-") {
			t.Errorf("generated session id %q, want 32 hex characters", id)
		}
	}
	if first.SessionID == second.SessionID {
		t.Errorf("session ids repeat: %q", first.SessionID)
	}
	if got := f.reqs[0].Credential.SessionID; got != first.SessionID {
		t.Errorf("credential session = %q, want %q", got, first.SessionID)
	}
}

func TestFetch_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		base *gateway.Credential
		req  FetchRequest
		want error
	}{
		{"missing url", baseCred(), FetchRequest{URL: "  "}, ErrMissingURL},
		{"routing without auth", nil, FetchRequest{URL: "http://example.com/", Country: "us"}, ErrRoutingWithoutAuth},
		{"hyphen in session", baseCred(), FetchRequest{URL: "http://example.com/", SessionID: "a-b"}, nil},
		{"colon in city", baseCred(), FetchRequest{URL: "http://example.com/", City: "x:y"}, nil},
		{"negative minutes", baseCred(), FetchRequest{URL: "http://example.com/", SessionMinutes: -1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			s := newFetchService(f, tt.base, testLogger())

			_, err := s.Fetch(context.Background(), tt.req)
			if got := model.KindOf(err); got != model.KindConfiguration {
				t.Fatalf("KindOf() = %q, want configuration (err = %v)", got, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if len(f.reqs) != 0 {
				t.Errorf("fetcher called %d times, want 0", len(f.reqs))
			}
		})
	}
}

func TestFetch_NoAuth(t *testing.T) {
	f := &fakeFetcher{resp: &model.ProxyResponse{StatusCode: 204}}
	s := newFetchService(f, nil, testLogger())

	res, err := s.Fetch(context.Background(), FetchRequest{URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if f.reqs[0].Credential != nil {
		t.Errorf("Credential = %+v, want nil", f.reqs[0].Credential)
	}
	if res.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", res.SessionID)
	}
}

func TestFetch_PropagatesFetchError(t *testing.T) {
	want := &model.FetchError{Kind: model.KindTunnelRejected, Phase: model.PhaseTunnel, StatusLine: "HTTP/1.1 407 Proxy Authentication Required", StatusCode: 407}
	f := &fakeFetcher{err: want}
	s := newFetchService(f, baseCred(), testLogger())

	_, err := s.Fetch(context.Background(), FetchRequest{URL: "http://example.com/"})

	var fe *model.FetchError
	if !errors.As(err, &fe) || fe != want {
		t.Fatalf("Fetch() error = %v, want the fetcher's error", err)
	}
}
