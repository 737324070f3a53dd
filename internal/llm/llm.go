// Package llm produces negotiation messages for agents, either through a
// hosted model or a local phrasebook.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Action is what the decision engine wants the message to do. Model
// providers see it in the prompt; the phrasebook renders it directly.
type Action string

const (
	ActionOffer   Action = "offer"
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionComment Action = "comment"
)

type Hint struct {
	Action Action
	Price  float64
}

type Prompt struct {
	System string
	User   string
	Hint   Hint
}

type Client interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	Provider() string
	Model() string
}

type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxOutputTokens int
	TimeoutSeconds  int
}

const defaultTimeout = 10 * time.Second

// New builds the configured client. An empty provider selects the
// phrasebook so the engine runs without a model.
func New(cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	model := strings.TrimSpace(cfg.Model)
	base := httpClient{
		http:            &http.Client{Timeout: timeout},
		model:           model,
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
	}

	switch provider {
	case "", "phrasebook":
		return Phrasebook{}, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("openai selected but no API key provided (OPENAI_API_KEY)")
		}
		if model == "" {
			return nil, errors.New("openai selected but no model configured")
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		base.baseURL = baseURL
		return &openAIClient{httpClient: base, apiKey: apiKey}, nil
	case "ollama":
		if model == "" {
			base.model = "llama3.2"
		}
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		base.baseURL = baseURL
		return &ollamaClient{httpClient: base}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

// httpClient is the part shared by the hosted providers.
type httpClient struct {
	http            *http.Client
	baseURL         string
	model           string
	temperature     float64
	maxOutputTokens int
}

func (c *httpClient) Model() string {
	return c.model
}

// readBody reads a bounded response body and turns non-2xx statuses into
// errors carrying the provider's message.
func readBody(provider string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s error (%d): %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
