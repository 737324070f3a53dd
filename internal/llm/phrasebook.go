package llm

import (
	"context"
	"fmt"
)

// Phrasebook renders the hint as a fixed phrase. The wording is chosen so
// the local classifier reads back the intended intent and price.
type Phrasebook struct{}

func (Phrasebook) Provider() string { return "phrasebook" }

func (Phrasebook) Model() string { return "" }

func (Phrasebook) Generate(_ context.Context, prompt Prompt) (string, error) {
	h := prompt.Hint
	switch h.Action {
	case ActionAccept:
		return fmt.Sprintf("Deal at %.2f, I accept.", h.Price), nil
	case ActionCounter:
		return fmt.Sprintf("How about %.2f instead?", h.Price), nil
	case ActionOffer:
		return fmt.Sprintf("I can offer %.2f for it.", h.Price), nil
	case ActionReject:
		return "I'll pass, that is too far from my range.", nil
	}
	return "Watching the room for now.", nil
}
