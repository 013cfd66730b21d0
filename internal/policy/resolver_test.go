package policy

import (
	"testing"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/config"
)

func TestResolver_Resolve(t *testing.T) {
	r, err := NewResolver(config.PolicyConfig{
		DefaultTier: "tier1",
		Tiers: map[string][]string{
			"tier2": {"partner-key", "192.168.0.0/16"},
			"tier3": {"192.168.1.7"},
		},
		Extended:   []string{"partner-key"},
		Privileged: []string{"10.0.0.0/8", "192.168.1.7"},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	tests := []struct {
		identity string
		want     Assignment
	}{
		{"anonymous-key", Assignment{Tier: admission.Tier1, Class: admission.Basic}},
		{"partner-key", Assignment{Tier: admission.Tier2, Class: admission.Extended}},
		{"192.168.4.4", Assignment{Tier: admission.Tier2, Class: admission.Basic}},
		{"192.168.1.7", Assignment{Tier: admission.Tier3, Class: admission.Privileged}},
		{"10.1.2.3", Assignment{Tier: admission.Tier1, Class: admission.Privileged}},
		{"::ffff:10.1.2.3", Assignment{Tier: admission.Tier1, Class: admission.Privileged}},
		{"11.0.0.1", Assignment{Tier: admission.Tier1, Class: admission.Basic}},
	}

	for _, tt := range tests {
		if got := r.Resolve(tt.identity); got != tt.want {
			t.Errorf("Resolve(%s) = %+v, want %+v", tt.identity, got, tt.want)
		}
	}
}

func TestNewResolver_Defaults(t *testing.T) {
	r, err := NewResolver(config.PolicyConfig{})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	got := r.Resolve("1.2.3.4")
	if got.Tier != admission.Tier1 || got.Class != admission.Basic {
		t.Errorf("Resolve = %+v, want tier1/basic", got)
	}
}

func TestNewResolver_UnknownTier(t *testing.T) {
	if _, err := NewResolver(config.PolicyConfig{DefaultTier: "platinum"}); err == nil {
		t.Error("expected error for unknown default tier")
	}
	if _, err := NewResolver(config.PolicyConfig{Tiers: map[string][]string{"tier9": {"x"}}}); err == nil {
		t.Error("expected error for unknown tier name")
	}
}
