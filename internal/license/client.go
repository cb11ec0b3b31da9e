// Package license is the client side of device activation: a licensed
// application uses it to bind itself to a key and check in periodically.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoKey is returned by Activate and Deactivate when no key is configured.
var ErrNoKey = errors.New("no license key configured")

// Config holds license client configuration.
type Config struct {
	Key           string
	DeviceID      string
	Device        DeviceInfo
	ServerURL     string
	CheckInterval time.Duration
	// GracePeriod is how long a device stays licensed after the last
	// successful check when the server cannot be reached.
	GracePeriod time.Duration
	Timeout     time.Duration
}

type DeviceInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

// Status represents the current license status.
type Status struct {
	Valid       bool      `json:"valid"`
	Reason      string    `json:"reason,omitempty"`
	State       string    `json:"state,omitempty"`
	ExpiresAt   string    `json:"expires_at,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	LastValid   time.Time `json:"last_valid"`
	Offline     bool      `json:"offline"`
}

// Activation is the server's answer to a successful activation.
type Activation struct {
	Message              string
	RemainingActivations int
	ActivatedCount       int
	ActivationLimit      int
}

type deviceRequest struct {
	LicenseKey string      `json:"license_key"`
	DeviceID   string      `json:"device_id"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

type validateResponse struct {
	Valid     bool    `json:"valid"`
	Reason    string  `json:"reason,omitempty"`
	Status    string  `json:"status,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

type activateResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	ActivationInfo struct {
		RemainingActivations int `json:"remaining_activations"`
		ActivatedCount       int `json:"activated_count"`
		ActivationLimit      int `json:"activation_limit"`
	} `json:"activation_info"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ServerError is a rejection from the billing service.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("license server: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client activates and validates one device against the billing service.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	http    *resty.Client
	now     func() time.Time
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewClient creates a new license client. An empty key means unlicensed.
func NewClient(cfg Config) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.ServerURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *Client) request() (deviceRequest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deviceRequest{LicenseKey: c.cfg.Key, DeviceID: c.cfg.DeviceID}, c.cfg.Key != ""
}

func serverError(resp *resty.Response, e *errorResponse) error {
	return &ServerError{StatusCode: resp.StatusCode(), Code: e.Code, Message: e.Message}
}

// Activate binds this device to the configured key.
func (c *Client) Activate(ctx context.Context) (*Activation, error) {
	req, ok := c.request()
	if !ok {
		return nil, ErrNoKey
	}
	c.mu.RLock()
	info := c.cfg.Device
	c.mu.RUnlock()
	req.DeviceInfo = &info

	var out activateResponse
	var failure errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&failure).
		Post("/api/license/activate")
	if err != nil {
		return nil, fmt.Errorf("activate request: %w", err)
	}
	if resp.IsError() {
		return nil, serverError(resp, &failure)
	}

	// A fresh activation counts as a successful check-in.
	c.mu.Lock()
	now := c.now()
	c.status = Status{Valid: true, State: "active", LastChecked: now, LastValid: now}
	c.mu.Unlock()

	return &Activation{
		Message:              out.Message,
		RemainingActivations: out.ActivationInfo.RemainingActivations,
		ActivatedCount:       out.ActivationInfo.ActivatedCount,
		ActivationLimit:      out.ActivationInfo.ActivationLimit,
	}, nil
}

// Deactivate frees this device's slot.
func (c *Client) Deactivate(ctx context.Context) error {
	req, ok := c.request()
	if !ok {
		return ErrNoKey
	}
	var failure errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetError(&failure).
		Post("/api/license/deactivate")
	if err != nil {
		return fmt.Errorf("deactivate request: %w", err)
	}
	if resp.IsError() {
		return serverError(resp, &failure)
	}
	c.mu.Lock()
	c.status = Status{Reason: "deactivated", LastChecked: c.now()}
	c.mu.Unlock()
	return nil
}

// Validate checks in with the billing service. Network failures and server
// errors keep the previous answer and mark the status offline.
func (c *Client) Validate(ctx context.Context) error {
	req, ok := c.request()
	if !ok {
		c.mu.Lock()
		c.status = Status{Reason: "no_key", LastChecked: c.now()}
		c.mu.Unlock()
		return nil
	}

	var vr validateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&vr).
		Post("/api/license/validate")
	if err == nil && resp.StatusCode() != 200 {
		err = fmt.Errorf("validate: status %d", resp.StatusCode())
	}
	if err != nil {
		c.mu.Lock()
		c.status.Offline = true
		c.status.Warning = "Unable to reach license server"
		c.mu.Unlock()
		return fmt.Errorf("validate request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	last := c.status.LastValid
	c.status = Status{
		Valid:       vr.Valid,
		Reason:      vr.Reason,
		State:       vr.Status,
		LastChecked: now,
		LastValid:   last,
	}
	if vr.Valid {
		c.status.LastValid = now
	} else if vr.Reason != "" {
		c.status.Warning = "License " + strings.ReplaceAll(vr.Reason, "_", " ")
	}
	if vr.ExpiresAt != nil {
		c.status.ExpiresAt = *vr.ExpiresAt
	}
	return nil
}

// Licensed reports whether the application should run as licensed. While
// the server is unreachable the last valid answer holds for GracePeriod.
func (c *Client) Licensed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.status.LastValid.IsZero() {
		return false
	}
	if c.status.Offline {
		return c.now().Sub(c.status.LastValid) < c.cfg.GracePeriod
	}
	return c.status.Valid
}

// Status returns the current cached license status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetKey replaces the license key. The caller activates or validates next.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Key = key
	c.status = Status{LastChecked: c.now()}
}

// Start begins the background validation goroutine.
func (c *Client) Start(ctx context.Context) {
	// Initial validation
	c.Validate(ctx)

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Validate(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background validation goroutine.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.stopped
}
