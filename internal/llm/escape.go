// ABOUTME: Escape hatch: detects requests for direct human contact or price talk
// ABOUTME: Regex rules decide the clear cases; an LLM classifier handles the rest

package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Handover reasons reported by the escape hatch.
const (
	ReasonContact = "client_requested_contact"
	ReasonPricing = "price_negotiation"
)

var (
	contactPatterns = compile(
		`\b(give|send|share|tell)\b.*\b(me|us)\b.*\b(phone|number|contacts?|email)\b`,
		`\b(call|phone|ring)\b.*\bdirectly\b`,
		`\b(talk|speak)\b.*\b(to|with)\b.*\b(human|person|someone|owner|manager|directly)\b`,
		`\bhow\b.*\b(contact|reach)\b`,
		`\b(contact|call)\s+me\b`,
		`\b(pass|forward)\b.*\b(message|this)\b.*\b(to|on)\b`,
	)
	pricingPatterns = compile(
		`\bdiscounts?\b`,
		`\btoo\s+(expensive|pricey|much)\b`,
		`\b(cheaper|lower\s+price)\b`,
		`\bpay\b.*\binstal(l)?ments?\b`,
		`\b(price|cost|budget)\b.*\b(reduce|lower|negotiate|revisit)\b`,
		`\bnegotiat\w*\b`,
	)
	bookingPatterns = compile(
		`\b(want|would\s+like|need|'d\s+like)\s+to\s+(book|hire|order|reserve)\b`,
		`\b(book|hire|reserve)\b.*\b(show|performance|performer|magician|act)\b`,
		`\b(booking|reservation)\b`,
	)
	spaces = regexp.MustCompile(`\s+`)
	quotes = regexp.MustCompile("[«»\"“”]+")
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

const escapeInstructions = "Decide whether the client's message is one of:\n" +
	"contact: an explicit request to talk to the owner directly, get their phone number or contacts, or pass them a message;\n" +
	"pricing: haggling about price, discounts or payment terms;\n" +
	"none: anything else. Asking to book, order or hire the service itself is none.\n" +
	"Reply with exactly one word: contact, pricing or none."

// EscapeHatch decides whether a message must go straight to a human.
type EscapeHatch struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewEscapeHatch creates an escape hatch. classifier may be nil, in which
// case only the rules apply.
func NewEscapeHatch(classifier Classifier, logger *slog.Logger) *EscapeHatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscapeHatch{classifier: classifier, logger: logger.With("component", "escape_hatch")}
}

// Escape reports whether text asks for a human, and why. Classifier
// failures count as "not requested".
func (e *EscapeHatch) Escape(ctx context.Context, text string) (string, bool) {
	norm := normalize(text)
	if norm == "" {
		return "", false
	}
	if matchAny(contactPatterns, norm) {
		return ReasonContact, true
	}
	if matchAny(pricingPatterns, norm) {
		return ReasonPricing, true
	}
	if matchAny(bookingPatterns, norm) {
		return "", false
	}
	if e.classifier == nil {
		return "", false
	}

	label, err := e.classifier.Classify(ctx, text, escapeInstructions)
	if err != nil {
		e.logger.Warn("classifier failed, assuming no handover", "error", err)
		return "", false
	}
	switch label {
	case "contact":
		return ReasonContact, true
	case "pricing":
		return ReasonPricing, true
	}
	return "", false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = quotes.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
