package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type openAIClient struct {
	httpClient
	apiKey string
}

type openAIContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIInput struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIRequest struct {
	Model           string        `json:"model"`
	Input           []openAIInput `json:"input"`
	Temperature     float64       `json:"temperature,omitempty"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
}

type openAIResponse struct {
	OutputText string `json:"output_text"`
	Output     []struct {
		Type    string          `json:"type"`
		Content []openAIContent `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) Provider() string {
	return "openai"
}

// Generate calls the Responses API.
func (c *openAIClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	in := openAIRequest{Model: c.model, Temperature: c.temperature, MaxOutputTokens: c.maxOutputTokens}
	for _, turn := range []struct{ role, text string }{{"system", prompt.System}, {"user", prompt.User}} {
		if strings.TrimSpace(turn.text) == "" {
			continue
		}
		in.Input = append(in.Input, openAIInput{
			Role:    turn.role,
			Content: []openAIContent{{Type: "input_text", Text: turn.text}},
		})
	}
	if len(in.Input) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := readBody("openai", resp)
	if err != nil {
		return "", err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", fmt.Errorf("openai error: %s", parsed.Error.Message)
	}
	if text := strings.TrimSpace(parsed.OutputText); text != "" {
		return text, nil
	}
	var sb strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" {
				sb.WriteString(content.Text)
			}
		}
	}
	if text := strings.TrimSpace(sb.String()); text != "" {
		return text, nil
	}
	return "", fmt.Errorf("openai response had no output_text")
}
