/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

const probeRoute = "/api/internal/test"

// ProbeError reports which leg of a probe round-trip failed.
type ProbeError struct {
	Leg string // "connect", "write", "read"
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Leg, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Code maps the failed leg onto the error code sent to the client.
func (e *ProbeError) Code() ErrorCode {
	switch e.Leg {
	case "connect":
		return CodeConnectFailed
	case "write":
		return CodeWriteFailed
	default:
		return CodeReadFailed
	}
}

// Prober performs a round-trip through the internal probe endpoint and
// returns the body it sent back.
type Prober interface {
	Probe(ctx context.Context, payload string) (string, error)
}

type socketProber struct {
	path   string
	dialer net.Dialer
}

func newProber(path string) *socketProber {
	return &socketProber{path: path}
}

func (p *socketProber) Probe(ctx context.Context, payload string) (string, error) {
	conn, err := p.dialer.DialContext(ctx, "unix", p.path)
	if err != nil {
		return "", &ProbeError{Leg: "connect", Err: err}
	}
	defer conn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1"+probeRoute, strings.NewReader(payload))
	if err != nil {
		return "", &ProbeError{Leg: "write", Err: err}
	}
	req.Close = true
	req.Header.Set("Content-Type", "text/plain")

	if err := req.Write(conn); err != nil {
		return "", &ProbeError{Leg: "write", Err: err}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return "", &ProbeError{Leg: "read", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProbeError{Leg: "read", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ProbeError{Leg: "read", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	return string(body), nil
}

func serveProbe(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unable to read body", http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		written, err := w.Write(body)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "PROBE: Echoed %s in %s",
			humanReadableSize(int64(written)),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}
