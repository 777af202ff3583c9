package api

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

	"firestige.xyz/twister/internal/policy"
)

// Error is a non-2xx reply from the REST API.
type Error struct {
	StatusCode int
	Message    MetaMessage
}

func (e *Error) Error() string {
	if e.Message.Message != "" {
		return fmt.Sprintf("api %d %s: %s: %s", e.StatusCode, e.Message.Slug, e.Message.Title, e.Message.Message)
	}
	return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Message.Slug, e.Message.Title)
}

// HasSlug reports whether err is an API error carrying slug.
func HasSlug(err error, slug string) bool {
	var e *Error
	return errors.As(err, &e) && e.Message.Slug == slug
}

// IsAlreadyStarted reports a start on a running service.
func IsAlreadyStarted(err error) bool { return HasSlug(err, SlugServiceAlreadyStarted) }

// IsNotStarted reports a stop on a stopped service.
func IsNotStarted(err error) bool { return HasSlug(err, SlugServiceNotStarted) }

// Client talks to a twister REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://10.0.0.5:9090".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// PacketLossStart starts the packet loss service.
func (c *Client) PacketLossStart(ctx context.Context, req PacketLossStartRequest) error {
	return c.post(ctx, "/packetloss/start", req)
}

// PacketLossStop stops the packet loss service.
func (c *Client) PacketLossStop(ctx context.Context) error {
	return c.post(ctx, "/packetloss/stop", nil)
}

// PacketLossStatus returns service-ready or service-not-ready.
func (c *Client) PacketLossStatus(ctx context.Context) (*MetaMessage, error) {
	var msg MetaMessage
	if err := c.get(ctx, "/packetloss/status", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BandwidthStart starts the bandwidth service.
func (c *Client) BandwidthStart(ctx context.Context, req BandwidthStartRequest) error {
	return c.post(ctx, "/bandwidth/start", req)
}

// BandwidthStop stops the bandwidth service.
func (c *Client) BandwidthStop(ctx context.Context) error {
	return c.post(ctx, "/bandwidth/stop", nil)
}

// BandwidthStatus returns service-ready or service-not-ready.
func (c *Client) BandwidthStatus(ctx context.Context) (*MetaMessage, error) {
	var msg MetaMessage
	if err := c.get(ctx, "/bandwidth/status", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AllServicesStatus lists every service.
func (c *Client) AllServicesStatus(ctx context.Context) ([]policy.ServiceStatus, error) {
	var out []policy.ServiceStatus
	if err := c.get(ctx, "/services/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+basePath+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+basePath+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, &e.Message) != nil || e.Message.Slug == "" {
			e.Message = MetaMessage{Type: MetaTypeError, Title: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
