// Package email delivers fired alerts through the Postmark API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/dukerupert/notara/internal/alarm"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

type Config struct {
	ServerToken string
	From        string
	To          string
}

// Enabled reports whether every field needed to send mail is set.
func (c Config) Enabled() bool {
	return c.ServerToken != "" && c.From != "" && c.To != ""
}

type Client struct {
	cfg        Config
	apiURL     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		apiURL:     defaultAPIURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.cfg.ServerToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// Show emails a fired alert to the configured recipient. It satisfies
// alarm.Notifier.
func (c *Client) Show(ctx context.Context, id string, n alarm.Notification) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := n.Title
	if subject == "" {
		subject = "Notara alert"
	}

	textBody := n.Message
	htmlBody := fmt.Sprintf("<p>%s</p>", html.EscapeString(n.Message))
	if n.URL != "" {
		textBody += "\n\n" + n.URL
		htmlBody += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, html.EscapeString(n.URL), html.EscapeString(n.URL))
	}

	payload := postmarkEmail{
		From:     c.cfg.From,
		To:       c.cfg.To,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "alert",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.cfg.ServerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email for %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
