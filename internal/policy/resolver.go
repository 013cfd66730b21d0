package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/config"
)

// Assignment is the tier and spending class of one identity
type Assignment struct {
	Tier  admission.Tier
	Class admission.BudgetClass
}

// matcher holds exact identities and CIDR prefixes
type matcher struct {
	exact    map[string]bool
	prefixes []netip.Prefix
}

func newMatcher(entries []string) *matcher {
	m := &matcher{exact: make(map[string]bool, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			m.prefixes = append(m.prefixes, p.Masked())
			continue
		}
		m.exact[e] = true
	}
	return m
}

func (m *matcher) match(identity string) bool {
	if m.exact[identity] {
		return true
	}
	if len(m.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(identity)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver maps identities to their assignment. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	defaultTier admission.Tier
	// tiers are checked from the most permissive down
	tiers      []tierRule
	privileged *matcher
	extended   *matcher
}

type tierRule struct {
	tier    admission.Tier
	members *matcher
}

// NewResolver builds a Resolver from the policy section of the config
func NewResolver(cfg config.PolicyConfig) (*Resolver, error) {
	def := config.DefaultPolicyTier
	if cfg.DefaultTier != "" {
		def = cfg.DefaultTier
	}
	defaultTier, err := admission.ParseTier(def)
	if err != nil {
		return nil, fmt.Errorf("default tier: %w", err)
	}

	byTier := make(map[admission.Tier][]string)
	for name, identities := range cfg.Tiers {
		tier, err := admission.ParseTier(name)
		if err != nil {
			return nil, err
		}
		byTier[tier] = append(byTier[tier], identities...)
	}

	r := &Resolver{
		defaultTier: defaultTier,
		privileged:  newMatcher(cfg.Privileged),
		extended:    newMatcher(cfg.Extended),
	}
	for i := len(admission.Tiers) - 1; i >= 0; i-- {
		tier := admission.Tiers[i]
		if members, ok := byTier[tier]; ok {
			r.tiers = append(r.tiers, tierRule{tier: tier, members: newMatcher(members)})
		}
	}
	return r, nil
}

// Resolve returns the assignment for identity. An identity listed in
// several tiers gets the most permissive one; privileged wins over extended.
func (r *Resolver) Resolve(identity string) Assignment {
	a := Assignment{Tier: r.defaultTier, Class: admission.Basic}
	for _, rule := range r.tiers {
		if rule.members.match(identity) {
			a.Tier = rule.tier
			break
		}
	}

	switch {
	case r.privileged.match(identity):
		a.Class = admission.Privileged
	case r.extended.match(identity):
		a.Class = admission.Extended
	}
	return a
}
