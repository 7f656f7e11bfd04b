// Package analytics ships product events to the hosted capture endpoint.
// The client is a process-wide singleton with an explicit lifecycle: Init
// once at startup, Track from anywhere, Close on shutdown. Without an API
// key it runs in debug mode and only logs events.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHost    = "https://app.posthog.com"
	captureTimeout = 5 * time.Second
	queueDepth     = 256
)

// Config describes the tracker.
type Config struct {
	APIKey string
	Host   string
	// Environment overrides detection; empty means detect from HTTPAddress.
	Environment string
	// HTTPAddress is the server's listen address, used for environment
	// detection when no override is set.
	HTTPAddress string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client is the event tracker handle.
type Client struct {
	apiKey     string
	host       string
	env        string
	httpClient *http.Client
	logger     *zap.Logger

	queue chan capturePayload
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

type capturePayload struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  string         `json:"timestamp"`
}

// DetectEnvironment resolves the environment label: an explicit override
// wins, local listen addresses are dev, everything else is prod.
func DetectEnvironment(override, httpAddress string) string {
	if env := strings.TrimSpace(override); env != "" {
		return env
	}
	host := httpAddress
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "dev"
	}
	return "prod"
}

// Init constructs and starts the tracker. The returned handle lives for the
// application process; callers share it rather than re-initializing.
func Init(cfg Config) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = defaultHost
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: captureTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		host:       host,
		env:        DetectEnvironment(cfg.Environment, cfg.HTTPAddress),
		httpClient: httpClient,
		logger:     logger,
		queue:      make(chan capturePayload, queueDepth),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if c.apiKey == "" {
		c.logger.Info("analytics running in debug mode, events will only be logged")
	}

	go c.run()
	return c, nil
}

// Track queues one event. The registered environment label is attached to
// every event; a full queue drops the event rather than blocking callers.
func (c *Client) Track(event string, properties map[string]any) {
	if c == nil {
		return
	}
	props := map[string]any{"env": c.env}
	for key, value := range properties {
		props[key] = value
	}
	if _, ok := props["distinct_id"]; !ok {
		if userID, ok := props["userId"].(string); ok && userID != "" {
			props["distinct_id"] = userID
		} else {
			props["distinct_id"] = "anonymous"
		}
	}

	payload := capturePayload{
		APIKey:     c.apiKey,
		Event:      event,
		Properties: props,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	select {
	case c.queue <- payload:
	default:
		c.logger.Debug("analytics queue full, dropping event", zap.String("event", event))
	}
}

// Close flushes queued events and stops the worker.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
	})
}

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case payload := <-c.queue:
			c.capture(payload)
		case <-c.quit:
			for {
				select {
				case payload := <-c.queue:
					c.capture(payload)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) capture(payload capturePayload) {
	if c.apiKey == "" {
		c.logger.Debug("analytics event",
			zap.String("event", payload.Event),
			zap.Any("properties", payload.Properties),
		)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("analytics encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/capture/", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("analytics request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("analytics capture failed", zap.String("event", payload.Event), zap.Error(err))
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		c.logger.Debug("analytics capture rejected",
			zap.String("event", payload.Event),
			zap.String("status", fmt.Sprintf("%d", response.StatusCode)),
		)
	}
}
