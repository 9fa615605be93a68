package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

const defaultHTTPSPort = 443

// WebhookParams configures the HTTPS webhook forwarder.
type WebhookParams struct {
	Server      string `json:"server"`
	Port        int    `json:"port" default:"443"`
	Endpoint    string `json:"endpoint" default:"/api/v1/telemetry"`
	AccessToken string `json:"access_token"`

	// BreakerFailures opens the circuit after that many consecutive failures; 0 disables it.
	BreakerFailures  uint32 `json:"breaker_failures"`
	BreakerTimeoutMs int    `json:"breaker_timeout_ms" default:"30000"`
}

// URL renders https://<server>[:<port>]<endpoint>. The port is omitted when it is 443 or when
// the server already carries one; a scheme on the server is dropped.
func (p WebhookParams) URL() string {
	server := p.Server
	if i := strings.Index(server, "://"); i >= 0 {
		server = server[i+3:]
	}
	server = strings.TrimRight(server, "/")

	endpoint := p.Endpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	if _, _, err := net.SplitHostPort(server); err == nil || p.Port == defaultHTTPSPort {
		return "https://" + server + endpoint
	}
	return "https://" + net.JoinHostPort(server, strconv.Itoa(p.Port)) + endpoint
}

// ParseWebhookParams decodes and validates webhook forwarder parameters.
func ParseWebhookParams(raw map[string]any) (WebhookParams, error) {
	var p WebhookParams
	if err := decodeParams("webhook", raw, &p); err != nil {
		return p, err
	}
	p.Server = strings.TrimSpace(p.Server)
	if p.Server == "" {
		return p, &SendError{Kind: NotConfigured, Transport: "webhook", Err: fmt.Errorf("server is not set")}
	}
	return p, nil
}

// Webhook POSTs envelopes as JSON. Only HTTP 200 counts as delivered.
type Webhook struct {
	url     string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *logrus.Logger
}

// NewWebhook validates params. A nil client gets a 10s-timeout default.
func NewWebhook(raw map[string]any, client *http.Client, logger *logrus.Logger) (*Webhook, error) {
	if logger == nil {
		logger = logrus.New()
	}
	p, err := ParseWebhookParams(raw)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	w := &Webhook{url: p.URL(), token: p.AccessToken, client: client, logger: logger}
	if p.BreakerFailures > 0 {
		maxFailures := p.BreakerFailures
		w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "webhook:" + w.url,
			MaxRequests: 1, // allow 1 probe in half-open state
			Timeout:     time.Duration(p.BreakerTimeoutMs) * time.Millisecond,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state change")
			},
		})
	}
	return w, nil
}

// URL returns the endpoint envelopes are posted to.
func (w *Webhook) URL() string { return w.url }

func (w *Webhook) Send(ctx context.Context, env Envelope) error {
	if w.breaker == nil {
		return w.post(ctx, env)
	}
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &SendError{Kind: Rejected, Transport: "webhook", Err: fmt.Errorf("circuit open: %w", err)}
	}
	return err
}

func (w *Webhook) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &SendError{Kind: Rejected, Transport: "webhook", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Kind: NotConfigured, Transport: "webhook", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &SendError{Kind: ConnectFailed, Transport: "webhook", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &SendError{Kind: Rejected, Transport: "webhook", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

// Close releases idle connections.
func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
