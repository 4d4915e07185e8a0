// Package license validates a Pro license key against the billing service
// and reports entitlement changes.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Features granted by a Pro license.
const (
	FeatureUnlimitedNotes = "unlimited_notes"
	FeatureBackup         = "backup"
	FeaturePush           = "push"
)

// Config holds license validation configuration.
type Config struct {
	Key           string
	ValidationURL string
	CheckInterval time.Duration
	GracePeriod   time.Duration
}

// Status represents the current license status.
type Status struct {
	Valid       bool      `json:"valid"`
	Plan        string    `json:"plan"`
	Features    []string  `json:"features"`
	ExpiresAt   string    `json:"expires_at"`
	Warning     string    `json:"warning"`
	LastChecked time.Time `json:"last_checked"`
	Offline     bool      `json:"offline"`
}

type validateRequest struct {
	Key string `json:"key"`
}

type validateResponse struct {
	Valid     bool     `json:"valid"`
	Plan      string   `json:"plan,omitempty"`
	Features  []string `json:"features,omitempty"`
	ExpiresAt *string  `json:"expires_at,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Client validates a license key against the billing service.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	status     Status
	pro        bool
	onChange   func(pro bool)
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	stopCh     chan struct{}
	stopped    chan struct{}
}

// NewClient creates a new license client. If key is empty, free-tier mode.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.ValidationURL == "" {
		cfg.ValidationURL = "https://notara.app/api/license/validate"
	}

	return &Client{
		cfg:        cfg,
		status:     Status{Plan: "free"},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// OnChange registers fn to be called whenever the Pro entitlement flips.
// It is called without the client lock held.
func (c *Client) OnChange(fn func(pro bool)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Validate performs an immediate license validation against the billing service.
func (c *Client) Validate(ctx context.Context) error {
	c.mu.RLock()
	key := c.cfg.Key
	url := c.cfg.ValidationURL
	c.mu.RUnlock()

	if key == "" {
		c.update(func(s *Status) {
			*s = Status{Plan: "free", LastChecked: c.now()}
		})
		return nil
	}

	body, err := json.Marshal(validateRequest{Key: key})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Keep the cached status; the grace period decides entitlement.
		c.update(func(s *Status) {
			s.Offline = true
			s.Warning = "Unable to reach license server"
		})
		return fmt.Errorf("validate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.update(func(s *Status) {
			s.Offline = true
			s.Warning = fmt.Sprintf("License server returned %d", resp.StatusCode)
		})
		return fmt.Errorf("validate: status %d", resp.StatusCode)
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.update(func(s *Status) {
		*s = Status{
			Valid:       vr.Valid,
			Plan:        vr.Plan,
			Features:    vr.Features,
			LastChecked: c.now(),
		}
		if vr.ExpiresAt != nil {
			s.ExpiresAt = *vr.ExpiresAt
		}
		if !vr.Valid && vr.Reason != "" {
			s.Warning = "License " + vr.Reason
		}
	})
	return nil
}

// update applies fn to the status and fires the change callback when the
// Pro entitlement differs from the last reported value.
func (c *Client) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	pro := c.hasFeatureLocked(FeatureUnlimitedNotes)
	changed := pro != c.pro
	c.pro = pro
	cb := c.onChange
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("license entitlement changed", "pro", pro)
	if cb != nil {
		cb(pro)
	}
}

// HasFeature checks if a specific feature is available under the current license.
func (c *Client) HasFeature(feature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasFeatureLocked(feature)
}

func (c *Client) hasFeatureLocked(feature string) bool {
	s := c.status
	withinGrace := !s.LastChecked.IsZero() && c.now().Sub(s.LastChecked) < c.cfg.GracePeriod
	if !s.Valid {
		return false
	}
	if !s.LastChecked.IsZero() && !withinGrace {
		return false
	}
	return slices.Contains(s.Features, feature)
}

// IsPro reports whether unlimited notes are unlocked.
func (c *Client) IsPro() bool {
	return c.HasFeature(FeatureUnlimitedNotes)
}

// Status returns the current cached license status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsFreeTier returns true if no license key is configured.
func (c *Client) IsFreeTier() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Key == ""
}

// SetKey updates the license key and triggers immediate validation.
func (c *Client) SetKey(ctx context.Context, key string) error {
	c.mu.Lock()
	c.cfg.Key = key
	c.mu.Unlock()
	return c.Validate(ctx)
}

// Start runs an initial validation and then revalidates on CheckInterval.
func (c *Client) Start(ctx context.Context) {
	if err := c.Validate(ctx); err != nil {
		c.logger.Warn("initial license validation failed", "error", err)
	}

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Validate(ctx); err != nil {
					c.logger.Warn("license validation failed", "error", err)
				}
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
