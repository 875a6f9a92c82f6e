// Package identity binds a task party's contact address to a chat-system
// identity.
package identity

import (
	"strings"

	"taskflow/internal/domain"
)

// MatchSource tags how a mapping was found.
type MatchSource string

const (
	SourceEmailExact  MatchSource = "email_exact"
	SourceEmailDomain MatchSource = "email_domain"
	SourceManual      MatchSource = "manual"
)

const (
	ConfidenceExact  = 1.0
	ConfidenceDomain = 0.7
	// AutoApproveThreshold is the minimum confidence for automated binding.
	AutoApproveThreshold = 0.9
)

// Mapping is a candidate binding between an address in one system and an
// identity in the other. It is created per call and never stored.
type Mapping struct {
	SourceIdentity string
	TargetIdentity domain.Identity
	Confidence     float64
	Source         MatchSource
}

// Normalize lowercases and trims an address.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

// Resolve finds the mapping for source among candidates: an exact address
// match first, then a unique same-domain candidate. Ambiguous domain matches
// resolve to nothing.
func Resolve(source string, candidates []domain.Identity) (Mapping, bool) {
	norm := Normalize(source)
	if norm == "" {
		return Mapping{}, false
	}
	for _, c := range candidates {
		if Normalize(c.Address) == norm {
			return Mapping{SourceIdentity: source, TargetIdentity: c, Confidence: ConfidenceExact, Source: SourceEmailExact}, true
		}
	}
	d := domainOf(norm)
	if d == "" {
		return Mapping{}, false
	}
	var match *domain.Identity
	for i := range candidates {
		if domainOf(Normalize(candidates[i].Address)) != d {
			continue
		}
		if match != nil {
			return Mapping{}, false
		}
		match = &candidates[i]
	}
	if match == nil {
		return Mapping{}, false
	}
	return Mapping{SourceIdentity: source, TargetIdentity: *match, Confidence: ConfidenceDomain, Source: SourceEmailDomain}, true
}

// Valid reports whether confidence is in [0,1] and the source tag is known.
func (m Mapping) Valid() bool {
	if m.Confidence < 0 || m.Confidence > 1 {
		return false
	}
	switch m.Source {
	case SourceEmailExact, SourceEmailDomain, SourceManual:
		return true
	}
	return false
}

// AutoApprovable reports whether the mapping may be bound without a human.
// Domain-only matches never qualify.
func (m Mapping) AutoApprovable() bool {
	return m.Valid() &&
		m.Confidence >= AutoApproveThreshold &&
		m.Source == SourceEmailExact &&
		Normalize(m.SourceIdentity) == Normalize(m.TargetIdentity.Address)
}
