package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ollamaClient struct {
	httpClient
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

func (c *ollamaClient) Provider() string {
	return "ollama"
}

// Generate calls /api/chat without streaming.
func (c *ollamaClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	in := ollamaRequest{Model: c.model}
	if strings.TrimSpace(prompt.System) != "" {
		in.Messages = append(in.Messages, ollamaMessage{Role: "system", Content: prompt.System})
	}
	if strings.TrimSpace(prompt.User) != "" {
		in.Messages = append(in.Messages, ollamaMessage{Role: "user", Content: prompt.User})
	}
	if len(in.Messages) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	if c.temperature > 0 || c.maxOutputTokens > 0 {
		in.Options = &ollamaOptions{Temperature: c.temperature, NumPredict: c.maxOutputTokens}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := readBody("ollama", resp)
	if err != nil {
		return "", err
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Error) != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}
	text := strings.TrimSpace(parsed.Message.Content)
	if text == "" {
		return "", fmt.Errorf("ollama response had no content")
	}
	return text, nil
}
