// Package summarize generates and caches LLM summaries of completed
// transcripts.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/transcript-engine/internal/retry"
)

const (
	defaultSystemPrompt = "You summarize meeting and interview transcripts. Be concise and factual. Attribute statements to speakers by their labels."
	defaultPrompt       = "Summarize the transcript below. List the main topics, decisions and action items."
)

// Summarizer produces summary text for a rendered transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript, prompt, systemPrompt string) (string, error)
	Model() string
}

// ChatClient calls an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewChatClient creates a client for baseURL (e.g. "https://api.openai.com/v1").
func NewChatClient(baseURL, apiKey, model string, timeout time.Duration) *ChatClient {
	return &ChatClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

func (c *ChatClient) Model() string { return c.model }

// Summarize sends one chat completion. Empty prompts fall back to defaults.
func (c *ChatClient) Summarize(ctx context.Context, transcript, prompt, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if prompt == "" {
		prompt = defaultPrompt
	}

	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt + "\n\n" + transcript},
		},
		Temperature: 0.3,
		MaxTokens:   1024,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &retry.StatusError{Service: "llm", Code: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", retry.Permanent(fmt.Errorf("unmarshal response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return "", retry.Permanent(fmt.Errorf("no choices in response"))
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}
