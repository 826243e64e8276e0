// Package routing picks a model profile for a prompt using a
// cost/complexity heuristic.
package routing

import (
	"strings"
	"unicode/utf8"

	"github.com/ashureev/stockchat/internal/config"
)

// Score rates prompt complexity in [0,1] as the mean of its lexical
// diversity and its average token length normalized to 10 runes.
// An empty or whitespace-only prompt scores 0.
func Score(prompt string) float64 {
	tokens := strings.Fields(prompt)
	if len(tokens) == 0 {
		return 0
	}

	distinct := make(map[string]struct{}, len(tokens))
	totalRunes := 0
	for _, tok := range tokens {
		distinct[tok] = struct{}{}
		totalRunes += utf8.RuneCountInString(tok)
	}

	total := float64(len(tokens))
	diversity := float64(len(distinct)) / total
	normalizedLength := min(float64(totalRunes)/total/10, 1)

	return 0.5*diversity + 0.5*normalizedLength
}

// Router selects among an ordered table of model profiles.
type Router struct {
	profiles []config.ModelProfile
}

// New creates a router over profiles. The table must be non-empty; use
// config.ValidateModelProfiles before calling.
func New(profiles []config.ModelProfile) *Router {
	if len(profiles) == 0 {
		panic("routing: empty model table")
	}
	cp := make([]config.ModelProfile, len(profiles))
	copy(cp, profiles)
	return &Router{profiles: cp}
}

// Select returns the first profile whose threshold covers the prompt's
// score, or the last profile when none does.
func (r *Router) Select(prompt string) config.ModelProfile {
	score := Score(prompt)
	for _, p := range r.profiles {
		if p.ComplexityThreshold >= score {
			return p
		}
	}
	return r.profiles[len(r.profiles)-1]
}

// Profiles returns a copy of the routing table.
func (r *Router) Profiles() []config.ModelProfile {
	cp := make([]config.ModelProfile, len(r.profiles))
	copy(cp, r.profiles)
	return cp
}
