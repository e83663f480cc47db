package swiftbuy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Both backends speak their provider's plain HTTP JSON protocol. A shared
// rate limiter in front of each keeps the engine from hammering the
// provider when several runs share a key; HTTP 429 is surfaced as a
// rate-limited outcome, never as a failure.

const defaultRateLimitRetry = 15 * time.Second

func retryAfterFrom(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRateLimitRetry
}

// ChatOracle talks to an OpenAI-compatible chat-completions endpoint. It is
// the cheap/fast primary backend.
type ChatOracle struct {
	BaseURL string
	APIKey  string
	Model   string

	client  *http.Client
	limiter *rate.Limiter
}

// NewChatOracle builds the primary backend. rps bounds outbound call rate.
func NewChatOracle(baseURL, apiKey, model string, rps float64) *ChatOracle {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/chat/completions"
	}
	if rps <= 0 {
		rps = 1
	}
	return &ChatOracle{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		client:  &http.Client{Timeout: 90 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (o *ChatOracle) Name() string { return "chat:" + o.Model }

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func chatTextContent(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

func chatImageContent(text string, screenshot []byte) json.RawMessage {
	parts := []map[string]any{
		{"type": "text", "text": text},
		{"type": "image_url", "image_url": map[string]string{
			"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(screenshot),
		}},
	}
	b, _ := json.Marshal(parts)
	return b
}

func (o *ChatOracle) Propose(ctx context.Context, snap Snapshot, instruction string, convo *Conversation) (Outcome, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Outcome{}, err
	}

	messages := []chatMessage{{Role: "system", Content: chatTextContent(oracleSystemPrompt)}}
	for _, turn := range convo.Turns() {
		if turn.Screenshot != nil {
			messages = append(messages, chatMessage{Role: turn.Role, Content: chatImageContent(turn.Text, turn.Screenshot)})
		} else {
			messages = append(messages, chatMessage{Role: turn.Role, Content: chatTextContent(turn.Text)})
		}
	}
	prompt := fmt.Sprintf("Current URL: %s\n\nInteractive elements:\n%s\n\nInstruction: %s", snap.URL, snap.Elements, instruction)
	if snap.Screenshot != nil {
		messages = append(messages, chatMessage{Role: "user", Content: chatImageContent(prompt, snap.Screenshot)})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: chatTextContent(prompt)})
	}

	body, err := json.Marshal(map[string]any{
		"model":       o.Model,
		"temperature": 0.1,
		"messages":    messages,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrOracleAPI, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: reading response: %v", ErrOracleAPI, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfterFrom(resp)}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, fmt.Errorf("%w: status %d: %s", ErrOracleAPI, resp.StatusCode, truncate(string(raw), 300))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Outcome{}, fmt.Errorf("%w: decoding response: %v", ErrOracleAPI, err)
	}
	if len(decoded.Choices) == 0 {
		return Outcome{}, fmt.Errorf("%w: no choices in response", ErrOracleAPI)
	}
	return parseOracleReply(decoded.Choices[0].Message.Content)
}

// MessagesOracle talks to an Anthropic-style messages endpoint. It is the
// fallback backend.
type MessagesOracle struct {
	BaseURL string
	APIKey  string
	Model   string

	client  *http.Client
	limiter *rate.Limiter
}

func NewMessagesOracle(baseURL, apiKey, model string, rps float64) *MessagesOracle {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1/messages"
	}
	if rps <= 0 {
		rps = 1
	}
	return &MessagesOracle{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (o *MessagesOracle) Name() string { return "messages:" + o.Model }

func messagesContent(text string, screenshot []byte) []map[string]any {
	parts := []map[string]any{}
	if screenshot != nil {
		parts = append(parts, map[string]any{
			"type": "image",
			"source": map[string]string{
				"type":       "base64",
				"media_type": "image/png",
				"data":       base64.StdEncoding.EncodeToString(screenshot),
			},
		})
	}
	parts = append(parts, map[string]any{"type": "text", "text": text})
	return parts
}

func (o *MessagesOracle) Propose(ctx context.Context, snap Snapshot, instruction string, convo *Conversation) (Outcome, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Outcome{}, err
	}

	type message struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	var messages []message
	for _, turn := range convo.Turns() {
		messages = append(messages, message{Role: turn.Role, Content: messagesContent(turn.Text, turn.Screenshot)})
	}
	prompt := fmt.Sprintf("Current URL: %s\n\nInteractive elements:\n%s\n\nInstruction: %s", snap.URL, snap.Elements, instruction)
	messages = append(messages, message{Role: "user", Content: messagesContent(prompt, snap.Screenshot)})

	body, err := json.Marshal(map[string]any{
		"model":      o.Model,
		"max_tokens": 1024,
		"system":     oracleSystemPrompt,
		"messages":   messages,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", o.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := o.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrOracleAPI, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: reading response: %v", ErrOracleAPI, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfterFrom(resp)}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, fmt.Errorf("%w: status %d: %s", ErrOracleAPI, resp.StatusCode, truncate(string(raw), 300))
	}

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Outcome{}, fmt.Errorf("%w: decoding response: %v", ErrOracleAPI, err)
	}
	for _, block := range decoded.Content {
		if block.Type == "text" && block.Text != "" {
			return parseOracleReply(block.Text)
		}
	}
	return Outcome{}, fmt.Errorf("%w: no text content in response", ErrOracleAPI)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
