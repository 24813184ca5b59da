// Package upstream is the shared HTTP transport for outbound calls to payment
// gateways and the meter platform. Every call runs through a circuit breaker;
// only transport errors and 5xx replies count as breaker failures, so a gateway
// answering "not found" never trips it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const maxReplyBytes = 1 << 20

// Settings configures one upstream.
type Settings struct {
	Name            string
	BaseURL         string
	Timeout         time.Duration // per request; 0 leaves it to the caller's context
	BreakerFailures uint32        // consecutive failures before opening
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// Reply is a non-5xx upstream response.
type Reply struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ServerError is returned for a 5xx reply.
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

// Client performs breaker-guarded JSON requests against one base URL.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New creates a Client.
func New(s Settings, log zerolog.Logger) *Client {
	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: s.Timeout}
	}
	failures := s.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	log = log.With().Str("upstream", s.Name).Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Client{
		name:    s.Name,
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		log:     log,
	}
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.name }

// Do sends payload (JSON-encoded when non-nil) and returns the reply.
// Errors are transport failures, *ServerError, or a breaker rejection (see IsOpen).
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, payload interface{}) (*Reply, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("latency", time.Since(start)).
			Msg("upstream call")

		if resp.StatusCode >= 500 {
			return nil, &ServerError{StatusCode: resp.StatusCode, Body: raw}
		}
		return &Reply{StatusCode: resp.StatusCode, Body: raw}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Reply), nil
}

// IsOpen reports whether err is a breaker rejection, meaning no request was sent.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Bearer builds an Authorization header.
func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
