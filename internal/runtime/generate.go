package runtime

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/classify"
	"agentmarket/negotiator/internal/llm"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/strategy"
)

// generate runs one agent turn. Throttled agents and generation failures
// skip the turn; nothing about deals is touched.
func (r *Runner) generate(ctx context.Context, job genJob) {
	allowed, err := r.Limiter.Allow(ctx, job.AgentID)
	if err != nil {
		metrics.Generations.WithLabelValues("error").Inc()
		r.Log.Warnw("rate limiter unavailable, skipping turn", "agent", job.AgentID, "error", err)
		return
	}
	if !allowed {
		metrics.Generations.WithLabelValues("throttled").Inc()
		r.Log.Debugw("agent throttled", "agent", job.AgentID)
		return
	}

	a, err := r.Records.GetAgent(ctx, job.AgentID)
	if err != nil || !a.Status.Tradable() {
		metrics.Generations.WithLabelValues("skipped").Inc()
		return
	}

	prompt := llm.BuildPrompt(r.turn(ctx, a, job))
	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenTimeout)
	text, err := r.LLM.Generate(genCtx, prompt)
	cancel()
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		metrics.Generations.WithLabelValues("error").Inc()
		r.Log.Warnw("generation failed", "agent", a.ID, "provider", r.LLM.Provider(), "error", err)
		return
	}

	msg, err := r.post(ctx, a, text)
	if err != nil {
		metrics.Generations.WithLabelValues("error").Inc()
		r.Log.Errorw("store message failed", "agent", a.ID, "error", err)
		return
	}
	metrics.Generations.WithLabelValues("ok").Inc()

	if msg.Intent == market.IntentAccept && msg.Price != nil {
		deal, err := r.Matcher.OnAccept(ctx, msg)
		if err != nil {
			r.Log.Warnw("match attempt failed", "agent", a.ID, "error", err)
		}
		if deal != nil {
			return
		}
	}
	if msg.Price != nil {
		next := Trigger{
			RoomID:        a.RoomID,
			Kind:          strategy.TriggerNewMessage,
			SourceAgentID: a.ID,
			Text:          msg.Content,
			Price:         msg.Price,
		}
		if _, err := r.Trigger(ctx, next); err != nil {
			r.Log.Warnw("new_message trigger failed", "room", a.RoomID, "error", err)
		}
	}
}

func (r *Runner) turn(ctx context.Context, a market.Agent, job genJob) llm.Turn {
	t := llm.Turn{
		Agent:       a,
		Stats:       job.Stats,
		Trigger:     string(job.Trigger.Kind),
		TriggerText: job.Trigger.Text,
		Hint:        job.Hint,
	}
	if a.AssetID != "" {
		if asset, err := r.Records.GetAsset(ctx, a.AssetID); err == nil {
			t.Asset = assetLabel(asset)
		}
	}
	if recent, err := r.Records.RecentMessages(ctx, a.RoomID, r.cfg.RecentMessages); err == nil {
		t.Recent = recent
	}
	return t
}

func assetLabel(a market.Asset) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Collection + " #" + a.TokenID
}

// post classifies, stores and broadcasts one message.
func (r *Runner) post(ctx context.Context, a market.Agent, text string) (market.Message, error) {
	res := classify.Classify(text)
	msg, err := r.Records.InsertMessage(ctx, market.Message{
		ID:        uuid.NewString(),
		RoomID:    a.RoomID,
		AgentID:   a.ID,
		Role:      a.Role,
		Content:   text,
		Intent:    res.Intent,
		Price:     res.Price,
		Sentiment: res.Sentiment,
		CreatedAt: r.Clock.Now(),
	})
	if err != nil {
		return market.Message{}, err
	}
	if err := r.Records.RecordMessage(ctx, a.ID); err != nil {
		r.Log.Warnw("message counter update failed", "agent", a.ID, "error", err)
	} else {
		a.MessageCount++
	}
	r.Pub.Publish(a.RoomID, broadcast.AgentMessage, broadcast.AgentMessagePayload{
		Agent:          a,
		Message:        msg,
		PriceMentioned: msg.Price,
		Intent:         msg.Intent,
		Sentiment:      msg.Sentiment,
	})
	return msg, nil
}
