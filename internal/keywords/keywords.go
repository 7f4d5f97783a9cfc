// Package keywords implements deterministic keyword matching for short
// patient replies.
//
// Matching is exact-token and case-insensitive: a reply matches only when one
// of its whitespace-delimited tokens equals a configured keyword. Substring
// containment is never used, so a word that merely contains a keyword (for
// example "bloke" containing "ok") cannot match. Replies longer than
// MaxReplyTokens are rejected outright: a long free-text message that happens
// to contain a keyword is not a deliberate choice.
package keywords

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/risetaid/prima-sub007/internal/models"
)

// MaxReplyTokens is the maximum number of tokens a reply may contain and
// still be eligible for keyword matching.
const MaxReplyTokens = 3

// Config holds the keyword sets for both response domains.
type Config struct {
	Accept  []string
	Decline []string
	Done    []string
	NotYet  []string
}

// DefaultConfig returns the shipped Indonesian keyword sets with common
// shorthand variants.
func DefaultConfig() Config {
	return Config{
		Accept:  []string{"ya", "iya", "yes", "ok", "oke", "setuju", "boleh", "mau", "bersedia"},
		Decline: []string{"tidak", "tdk", "ga", "gak", "nggak", "no", "menolak", "tolak", "batal"},
		Done:    []string{"sudah", "udah", "selesai", "done", "beres"},
		NotYet:  []string{"belum", "blm", "nanti", "besok", "lupa"},
	}
}

// Matcher classifies short replies against fixed keyword sets.
type Matcher struct {
	accept  map[string]struct{}
	decline map[string]struct{}
	done    map[string]struct{}
	notYet  map[string]struct{}
}

// NewMatcher builds a Matcher from the given configuration. It returns an
// error if a keyword appears in both sets of a domain, since overlapping sets
// would make classification ambiguous for a deliberate reply.
func NewMatcher(cfg Config) (*Matcher, error) {
	accept := toSet(cfg.Accept)
	decline := toSet(cfg.Decline)
	if kw, overlap := intersects(accept, decline); overlap {
		return nil, fmt.Errorf("keyword %q present in both accept and decline sets", kw)
	}

	done := toSet(cfg.Done)
	notYet := toSet(cfg.NotYet)
	if kw, overlap := intersects(done, notYet); overlap {
		return nil, fmt.Errorf("keyword %q present in both done and not-yet sets", kw)
	}

	return &Matcher{accept: accept, decline: decline, done: done, notYet: notYet}, nil
}

// NewDefaultMatcher builds a Matcher from DefaultConfig. The shipped sets are
// disjoint, so this never fails.
func NewDefaultMatcher() *Matcher {
	m, err := NewMatcher(DefaultConfig())
	if err != nil {
		// Unreachable with DefaultConfig; NewMatcher validates disjointness.
		panic(err)
	}
	return m
}

// MatchVerification classifies a reply in a verification conversation.
// It returns IntentAccept, IntentDecline, or IntentInvalid. The decline set
// is checked first: "tidak mau" contains both a decline and an accept token
// and a negated reply is a refusal.
func (m *Matcher) MatchVerification(text string) models.Intent {
	return m.match(text, "verification", m.decline, models.IntentDecline, m.accept, models.IntentAccept)
}

// MatchConfirmation classifies a reply in a reminder confirmation conversation.
// It returns IntentDone, IntentNotYet, or IntentInvalid. The not-yet set is
// checked first, mirroring verification: "belum selesai" means not done.
func (m *Matcher) MatchConfirmation(text string) models.Intent {
	return m.match(text, "confirmation", m.notYet, models.IntentNotYet, m.done, models.IntentDone)
}

// match runs the shared matching rules. The first set is checked in full
// before the second, which makes replies with tokens from both sets
// deterministic.
func (m *Matcher) match(text, domain string, first map[string]struct{}, firstIntent models.Intent, second map[string]struct{}, secondIntent models.Intent) models.Intent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	tokens := strings.Fields(normalized)

	if len(tokens) == 0 {
		slog.Debug("KeywordMatcher empty reply", "domain", domain)
		return models.IntentInvalid
	}
	if len(tokens) > MaxReplyTokens {
		slog.Debug("KeywordMatcher reply too long", "domain", domain, "tokens", len(tokens), "max", MaxReplyTokens)
		return models.IntentInvalid
	}

	for _, tok := range tokens {
		if _, ok := first[tok]; ok {
			slog.Debug("KeywordMatcher matched", "domain", domain, "keyword", tok, "intent", firstIntent, "normalized", normalized)
			return firstIntent
		}
	}
	for _, tok := range tokens {
		if _, ok := second[tok]; ok {
			slog.Debug("KeywordMatcher matched", "domain", domain, "keyword", tok, "intent", secondIntent, "normalized", normalized)
			return secondIntent
		}
	}

	slog.Debug("KeywordMatcher no match", "domain", domain, "normalized", normalized)
	return models.IntentInvalid
}

func toSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		set[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) (string, bool) {
	for kw := range a {
		if _, ok := b[kw]; ok {
			return kw, true
		}
	}
	return "", false
}
