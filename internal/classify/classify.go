// Package classify turns generated negotiation text into an intent, the
// first price mentioned, and a sentiment label.
package classify

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"agentmarket/negotiator/internal/market"
)

type Result struct {
	Intent    market.Intent
	Price     *float64
	Sentiment market.Sentiment
}

var (
	priceRe = regexp.MustCompile(`\d+(?:\.\d{1,2})?`)

	// Negated acceptance reads as rejection even though it contains an
	// acceptance keyword.
	negatedAcceptRe = regexp.MustCompile(`\b(no deal|not a deal|can'?t accept|cannot accept|won'?t accept|don'?t accept|not accept)\b`)
	acceptRe        = regexp.MustCompile(`\b(deal|agreed|agree|accept|accepted|yes|sold|done)\b`)
	rejectRe        = regexp.MustCompile(`\b(no|pass|reject|rejected|decline|too low|too high|not interested)\b`)
	counterRe       = regexp.MustCompile(`\b(how about|what about|instead|counter|meet (?:me )?in the middle)\b`)
	offerRe         = regexp.MustCompile(`\b(offer|offering|bid|price|willing to pay|asking)\b`)
)

var acceptEmoji = []string{"🤝", "✅", "👍", "🎉"}

type weighted struct {
	term   string
	weight int
}

var positiveTerms = []weighted{
	{"great", 2}, {"excellent", 2}, {"love", 2}, {"perfect", 2}, {"fantastic", 2},
	{"good", 1}, {"fair", 1}, {"happy", 1}, {"glad", 1}, {"deal", 1}, {"thanks", 1},
	{"interested", 1}, {"reasonable", 1}, {"👍", 1}, {"🤝", 1}, {"😊", 1},
}

var negativeTerms = []weighted{
	{"ridiculous", 2}, {"insult", 2}, {"terrible", 2}, {"absurd", 2}, {"ripoff", 2}, {"rip-off", 2},
	{"bad", 1}, {"too low", 1}, {"too high", 1}, {"overpriced", 1}, {"unfortunately", 1},
	{"disappointed", 1}, {"not interested", 1}, {"reject", 1}, {"👎", 1}, {"😠", 1},
}

// Classify applies the keyword rules. Acceptance is checked first, then
// rejection, then counter and offer, which both need a price in the text.
func Classify(text string) Result {
	lower := strings.ToLower(text)
	price := ExtractPrice(text)
	return Result{
		Intent:    intentOf(lower, price != nil),
		Price:     price,
		Sentiment: SentimentOf(lower),
	}
}

func intentOf(lower string, hasPrice bool) market.Intent {
	switch {
	case negatedAcceptRe.MatchString(lower):
		return market.IntentReject
	case acceptRe.MatchString(lower) || containsAny(lower, acceptEmoji):
		return market.IntentAccept
	case rejectRe.MatchString(lower):
		return market.IntentReject
	case hasPrice && counterRe.MatchString(lower):
		return market.IntentCounter
	case hasPrice && offerRe.MatchString(lower):
		return market.IntentOffer
	}
	return market.IntentComment
}

// ExtractPrice returns the first numeric token, honouring at most two
// decimal places.
func ExtractPrice(text string) *float64 {
	token := priceRe.FindString(text)
	if token == "" {
		return nil
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return nil
	}
	v := d.InexactFloat64()
	return &v
}

// SentimentOf tallies weighted keyword hits.
func SentimentOf(lower string) market.Sentiment {
	score := 0
	for _, w := range positiveTerms {
		if strings.Contains(lower, w.term) {
			score += w.weight
		}
	}
	for _, w := range negativeTerms {
		if strings.Contains(lower, w.term) {
			score -= w.weight
		}
	}
	switch {
	case score > 0:
		return market.SentimentPositive
	case score < 0:
		return market.SentimentNegative
	}
	return market.SentimentNeutral
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
