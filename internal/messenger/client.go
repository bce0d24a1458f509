package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/turnbot/internal/catalog"
	"github.com/nextlevelbuilder/turnbot/internal/generation"
)

// ClientConfig configures the Graph API client.
type ClientConfig struct {
	GraphAPIVersion string
	PageAccessToken string
	SendRatePerSec  float64
	SendBurst       int
	ChunkMaxChars   int

	// BaseURL overrides the Graph API host, for tests.
	BaseURL string
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// Client sends replies through the Messenger Send API. Outbound calls are
// paced by a token bucket so a burst of chunked messages stays under the
// platform's send limits.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	limiter  *rate.Limiter
	maxChars int
	catalog  *catalog.Catalog
}

// NewClient builds a Messenger client. cat may be nil when no product catalog
// is configured; image directives then resolve to nothing.
func NewClient(cfg ClientConfig, cat *catalog.Catalog) *Client {
	version := cfg.GraphAPIVersion
	if version == "" {
		version = "v18.0"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/" + version
	}
	perSec := cfg.SendRatePerSec
	if perSec <= 0 {
		perSec = 4
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 8
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		token:    cfg.PageAccessToken,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
		maxChars: cfg.ChunkMaxChars,
		catalog:  cat,
	}
}

// Send delivers a generated reply: text split into sentence chunks with a
// typing indicator before each, then one image per resolvable directive.
func (c *Client) Send(ctx context.Context, conversationID string, reply generation.Reply) error {
	chunks := SplitChunks(reply.Text, c.maxChars)
	for i, chunk := range chunks {
		if err := c.SendTyping(ctx, conversationID); err != nil {
			slog.Warn("typing indicator failed", "conversation", conversationID, "error", err)
		}
		if err := c.SendText(ctx, conversationID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	for _, dir := range reply.Directives {
		if dir.Kind != generation.DirectiveSendImage || c.catalog == nil {
			continue
		}
		url, ok := c.catalog.ImageURL(dir.ProductID)
		if !ok {
			slog.Warn("image directive for unknown product",
				"conversation", conversationID, "product", dir.ProductID)
			continue
		}
		if err := c.SendImage(ctx, conversationID, url); err != nil {
			return fmt.Errorf("send image %s: %w", dir.ProductID, err)
		}
	}
	return nil
}

// SendText sends one text message.
func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	return c.post(ctx, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	})
}

// SendImage sends one image attachment by URL.
func (c *Client) SendImage(ctx context.Context, recipientID, imageURL string) error {
	return c.post(ctx, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]any{
			"attachment": map[string]any{
				"type": "image",
				"payload": map[string]any{
					"url":         imageURL,
					"is_reusable": true,
				},
			},
		},
	})
}

// SendTyping turns on the typing indicator bubble.
func (c *Client) SendTyping(ctx context.Context, recipientID string) error {
	return c.post(ctx, map[string]any{
		"recipient":     map[string]string{"id": recipientID},
		"sender_action": "typing_on",
	})
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, payload any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := c.baseURL + "/me/messages?access_token=" + c.token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error.Message != "" {
			return fmt.Errorf("graph api: %s (type=%s, code=%d)",
				ge.Error.Message, ge.Error.Type, ge.Error.Code)
		}
		return fmt.Errorf("graph api: status %d", resp.StatusCode)
	}
	return nil
}
