package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentmarket/negotiator/internal/classify"
	"agentmarket/negotiator/internal/market"
)

func TestPhrasebookRoundTripsThroughClassifier(t *testing.T) {
	cases := []struct {
		hint   Hint
		intent market.Intent
		price  float64
	}{
		{Hint{ActionAccept, 48}, market.IntentAccept, 48},
		{Hint{ActionCounter, 52.5}, market.IntentCounter, 52.5},
		{Hint{ActionOffer, 45}, market.IntentOffer, 45},
		{Hint{ActionReject, 0}, market.IntentReject, 0},
		{Hint{ActionComment, 0}, market.IntentComment, 0},
	}
	for _, tc := range cases {
		text, err := Phrasebook{}.Generate(context.Background(), Prompt{Hint: tc.hint})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		got := classify.Classify(text)
		if got.Intent != tc.intent {
			t.Fatalf("%q classified as %s, want %s", text, got.Intent, tc.intent)
		}
		if tc.price > 0 && (got.Price == nil || *got.Price != tc.price) {
			t.Fatalf("%q price = %v, want %v", text, got.Price, tc.price)
		}
	}
}

func TestBuildPromptMentionsMandateAndHint(t *testing.T) {
	floor := 45.0
	p := BuildPrompt(Turn{
		Agent: market.Agent{Name: "Ada", Role: market.RoleSeller, Strategy: market.StrategyPatient, Style: "formal",
			Mandate: market.Mandate{MinPrice: 40, StartingPrice: 55, CurrentPrice: 50}},
		Stats:       market.RoomStats{Floor: &floor, ActiveBuyers: 3, ActiveSellers: 1},
		TriggerText: "I can offer 42",
		Hint:        Hint{ActionCounter, 51},
	})
	for _, want := range []string{"Ada", "patient seller", "formal", "below 40.00"} {
		if !strings.Contains(p.System, want) {
			t.Fatalf("system prompt missing %q: %s", want, p.System)
		}
	}
	for _, want := range []string{"floor 45.00", "top bid none", "Counter with 51.00", "I can offer 42"} {
		if !strings.Contains(p.User, want) {
			t.Fatalf("user prompt missing %q: %s", want, p.User)
		}
	}
}

func TestOllamaClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || r.URL.Path != "/api/chat" || len(in.Messages) != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":" How about 50? "}}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: "ollama", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Model() != "llama3.2" {
		t.Fatalf("default model = %q", c.Model())
	}
	text, err := c.Generate(context.Background(), Prompt{System: "s", User: "u"})
	if err != nil || text != "How about 50?" {
		t.Fatalf("text = %q err=%v", text, err)
	}
}

func TestOpenAIClientCollectsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"output":[{"type":"message","content":[{"type":"output_text","text":"Deal at 48."}]}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: "openai", Model: "gpt-test", APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text, err := c.Generate(context.Background(), Prompt{User: "u"})
	if err != nil || text != "Deal at 48." {
		t.Fatalf("text = %q err=%v", text, err)
	}

	bad, _ := New(Config{Provider: "openai", Model: "gpt-test", APIKey: "wrong", BaseURL: srv.URL})
	if _, err := bad.Generate(context.Background(), Prompt{User: "u"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "nope"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(Config{Provider: "openai", Model: "m"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	c, err := New(Config{})
	if err != nil || c.Provider() != "phrasebook" {
		t.Fatalf("default client = %v err=%v", c, err)
	}
}
