// Package suggest produces date-idea suggestions through the Gemini
// generateContent REST API.
package suggest

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
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
	defaultTimeout    = 30 * time.Second
)

// DefaultModels is the fallback order tried for every request
var DefaultModels = []string{
	"gemini-flash-latest",
	"gemini-2.0-flash-lite-preview-02-05",
}

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("suggestion api key not configured")

	// ErrRateLimited is returned when the provider reports a quota error.
	ErrRateLimited = errors.New("suggestion usage limit reached")

	// ErrUnavailable is returned when every model failed.
	ErrUnavailable = errors.New("unable to generate suggestion")

	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

const systemPrompt = `You are a warm, thoughtful relationship advisor for a couple's app called Velora.
Your job is to suggest creative, thoughtful date ideas and activities for couples.

Guidelines:
- Be warm and encouraging, never judgmental
- Suggest practical, achievable ideas
- Include a mix of free/low-cost and special options
- Consider different moods and situations
- Use emojis sparingly but appropriately
- Keep responses concise but meaningful
- Focus on connection and quality time
- The partner's name is: %s

Format your response with:
- A catchy title with an emoji
- A brief description (2-3 sentences)
- 2-3 practical tips or variations
- A warm closing thought

User's request: %s`

// Options configures a GeminiClient
type Options struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Models     []string
	Timeout    time.Duration
}

// GeminiClient implements backend.Suggester
type GeminiClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	version    string
	models     []string
	log        zerolog.Logger
}

// NewGeminiClient creates a client, filling unset options with defaults
func NewGeminiClient(opts Options) *GeminiClient {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = defaultAPIVersion
	}
	if len(opts.Models) == 0 {
		opts.Models = DefaultModels
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &GeminiClient{
		httpClient: &http.Client{Timeout: opts.Timeout},
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		version:    opts.APIVersion,
		models:     opts.Models,
		log:        log.With().Str("component", "suggest").Logger(),
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

// BuildPrompt renders the full prompt sent to the model
func BuildPrompt(prompt, partnerName string) string {
	if strings.TrimSpace(partnerName) == "" {
		partnerName = "your partner"
	}
	return fmt.Sprintf(systemPrompt, partnerName, prompt)
}

// Suggest tries each model in order and returns the first non-empty answer.
// A quota error stops the fallback immediately.
func (c *GeminiClient) Suggest(ctx context.Context, prompt, partnerName string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: BuildPrompt(prompt, partnerName)}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for _, model := range c.models {
		text, err := c.generate(ctx, model, body)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrRateLimited) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log.Warn().Err(err).Str("model", model).Msg("Model failed")
		lastErr = err
	}
	return "", fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (c *GeminiClient) generate(ctx context.Context, model string, body []byte) (string, error) {
	url := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, c.version, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if len(out.Candidates) > 0 && len(out.Candidates[0].Content.Parts) > 0 {
		if text := out.Candidates[0].Content.Parts[0].Text; text != "" {
			return text, nil
		}
	}
	if out.Error != nil {
		if out.Error.Code == http.StatusTooManyRequests {
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("%s: %s", model, out.Error.Message)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	return "", fmt.Errorf("%s: empty response (status %d)", model, resp.StatusCode)
}
