package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"thordata-proxy-go/internal/client"
	"thordata-proxy-go/internal/config"
	"thordata-proxy-go/internal/model"
	"thordata-proxy-go/internal/service"
)

type fetchCmd struct {
	URL string `kong:"arg,help='Target URL (http or https).'"`

	Country  string `kong:"help='Exit country for this request.'"`
	City     string `kong:"help='Exit city for this request.'"`
	Session  string `kong:"help='Sticky session id; pass new to generate one.'"`
	Sesstime int    `kong:"help='Sticky session lifetime in minutes.'"`
	Include  bool   `kong:"short='i',help='Print the status line and headers before the body.'"`
	Output   string `kong:"short='o',help='Write the body to this file instead of stdout.',type='path'"`
}

// Run performs one fetch. Logs go to stderr so stdout carries only the
// response.
func (f *fetchCmd) Run(flags *config.CLI) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	logger := newLoggerTo(os.Stderr, cfg)

	tc, err := client.NewTunnelClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	svc := service.NewFetchService(tc, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := svc.Fetch(ctx, service.FetchRequest{
		URL:            f.URL,
		Country:        f.Country,
		City:           f.City,
		SessionID:      f.Session,
		SessionMinutes: f.Sesstime,
	})
	if err != nil {
		return describe(err)
	}
	if res.SessionID != "" {
		logger.Info("session", "id", res.SessionID)
	}
	return f.write(os.Stdout, res.Response)
}

func (f *fetchCmd) write(stdout io.Writer, resp *model.ProxyResponse) error {
	if f.Include {
		if err := writeHead(stdout, resp); err != nil {
			return err
		}
	}

	if f.Output == "" {
		_, err := stdout.Write(resp.Body)
		return err
	}
	if err := os.WriteFile(f.Output, resp.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	return nil
}

func writeHead(w io.Writer, resp *model.ProxyResponse) error {
	if _, err := fmt.Fprintf(w, "%s\r\n", resp.StatusLine); err != nil {
		return err
	}
	for _, k := range resp.Header.Keys() {
		v, _ := resp.Header.Lookup(k)
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// describe prefixes a fetch failure with its kind.
func describe(err error) error {
	if kind := model.KindOf(err); kind != "" {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return err
}
