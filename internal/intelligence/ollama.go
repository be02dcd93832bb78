// Package intelligence enriches alerts with explanations from a local Ollama
// model. The client is rate limited and tracks availability; the analyzer
// decides which alerts are worth a model call and caches the answers.
package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vigil/vigil/internal/config"
)

// Availability is the client's view of the Ollama endpoint. Unknown means no
// probe or request has completed yet.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	Available
	Unavailable
)

// Client is a rate-limited HTTP caller for the Ollama generate API.
// Consecutive Generate calls are spaced at least rate_limit seconds apart;
// connection and timeout failures mark the endpoint unavailable.
type Client struct {
	cfg    config.OllamaConfig
	http   *http.Client
	logger *slog.Logger

	mu           sync.Mutex
	availability Availability
	lastCall     time.Time

	// now and sleep are swappable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewClient creates a client for the configured Ollama endpoint.
func NewClient(cfg config.OllamaConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Availability returns the endpoint state as of the last probe or request.
func (c *Client) Availability() Availability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availability
}

// Probe checks whether Ollama is reachable via GET /api/tags and records the
// result.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.setAvailability(Unavailable)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	if ok {
		c.setAvailability(Available)
	} else {
		c.setAvailability(Unavailable)
	}
	return ok
}

// generateRequest is the POST /api/generate body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate asks the model for a completion. It returns ("", nil) when the
// model gave no usable answer; only transport-level surprises surface as
// errors. Connection and timeout failures mark the endpoint unavailable.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	c.throttle()

	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.3,
			NumPredict:  300,
		},
	})
	if err != nil {
		return "", fmt.Errorf("intelligence: encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("intelligence: building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectionError(err) {
			c.setAvailability(Unavailable)
			c.logger.Debug("ollama not reachable", slog.Any("error", err))
			return "", nil
		}
		c.logger.Warn("ollama request failed", slog.Any("error", err))
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("ollama returned unexpected status", slog.Int("status", resp.StatusCode))
		return "", nil
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.Warn("ollama response not parsable", slog.Any("error", err))
		return "", nil
	}

	c.setAvailability(Available)
	return strings.TrimSpace(parsed.Response), nil
}

// throttle reserves this call's send slot under the lock, then sleeps until
// the slot arrives. Reserving before sleeping keeps concurrent callers spaced
// by rate_limit instead of all waiting out the same stale interval.
func (c *Client) throttle() {
	spacing := time.Duration(c.cfg.RateLimit * float64(time.Second))

	c.mu.Lock()
	now := c.now()
	slot := now
	if next := c.lastCall.Add(spacing); next.After(now) {
		slot = next
	}
	c.lastCall = slot
	c.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		c.sleep(wait)
	}
}

func (c *Client) setAvailability(a Availability) {
	c.mu.Lock()
	c.availability = a
	c.mu.Unlock()
}

// isConnectionError reports whether err is a connect or timeout failure, the
// kinds that mean the endpoint itself is down.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
