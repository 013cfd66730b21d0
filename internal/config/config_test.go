package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoad_JSONDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"upstreams": [{"name": "mirror", "rpcUrl": "http://localhost:7545"}]
	}`)

	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RPCPort != DefaultRPCPort {
		t.Errorf("RPCPort = %d, want %d", cfg.RPCPort, DefaultRPCPort)
	}
	if cfg.RateLimit.Tier1 != 100 || cfg.RateLimit.Tier2 != 800 || cfg.RateLimit.Tier3 != 1600 {
		t.Errorf("tiers = %+v", cfg.RateLimit)
	}
	if cfg.HbarLimit.Basic != 1_120_000_000 || cfg.HbarLimit.Total != 800_000_000_000 {
		t.Errorf("budgets = %+v", cfg.HbarLimit)
	}
	if cfg.HbarLimit.SendRawTransactionSizeLimit != 131072 {
		t.Errorf("size limit = %d", cfg.HbarLimit.SendRawTransactionSizeLimit)
	}
	if !cfg.IsRetryEnabled() {
		t.Error("retry should default to enabled")
	}
	if cfg.Upstreams[0].Weight != 1 || cfg.Upstreams[0].Role != RoleMain {
		t.Errorf("upstream defaults = %+v", cfg.Upstreams[0])
	}
	if cfg.IsCacheEnabled() {
		t.Error("cache should be disabled when not configured")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logLevel: debug
retryEnabled: false
upstreams:
  - name: mirror
    rpcUrl: http://localhost:7545
    weight: 3
cache:
  enabled: true
  ttl:
    eth_call: 500
policy:
  defaultTier: tier2
  privileged: ["10.0.0.0/8"]
`)

	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.IsRetryEnabled() {
		t.Error("retryEnabled: false must be honored")
	}
	if cfg.Upstreams[0].Weight != 3 {
		t.Errorf("Weight = %d", cfg.Upstreams[0].Weight)
	}
	if !cfg.IsCacheEnabled() || cfg.Cache.MaxEntries != DefaultCacheMaxEntries {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if d := cfg.Cache.GetTTLDurations()["eth_call"]; d.Milliseconds() != 500 {
		t.Errorf("eth_call ttl = %s", d)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"hbarLimit": {"basic": 5},
		"upstreams": [{"name": "mirror", "rpcUrl": "http://localhost:7545"}]
	}`)
	env := map[string]string{
		EnvHbarTotal:          "1000",
		EnvHbarBasic:          "10",
		EnvHbarDuration:       "60000",
		EnvSendRawTxSizeLimit: "2048",
	}

	cfg, err := LoadWithEnv(path, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HbarLimit.Total != 1000 || cfg.HbarLimit.Basic != 10 {
		t.Errorf("budgets = %+v", cfg.HbarLimit)
	}
	if cfg.HbarLimit.Duration != 60000 || cfg.HbarLimit.GetDurationWindow().Seconds() != 60 {
		t.Errorf("duration = %d", cfg.HbarLimit.Duration)
	}
	if cfg.HbarLimit.SendRawTransactionSizeLimit != 2048 {
		t.Errorf("size limit = %d", cfg.HbarLimit.SendRawTransactionSizeLimit)
	}
}

func TestLoad_ZeroBudgetIsKept(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"hbarLimit": {"extended": 0},
		"upstreams": [{"name": "mirror", "rpcUrl": "http://localhost:7545"}]
	}`)

	cfg, err := LoadWithEnv(path, func(k string) (string, bool) {
		if k == EnvHbarTotal {
			return "0", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HbarLimit.Total != 0 {
		t.Errorf("Total = %d, want 0 from %s", cfg.HbarLimit.Total, EnvHbarTotal)
	}
	if cfg.HbarLimit.Extended != 0 {
		t.Errorf("Extended = %d, want 0 from file", cfg.HbarLimit.Extended)
	}
	if cfg.HbarLimit.Basic != DefaultHbarBasic {
		t.Errorf("Basic = %d, want default %d", cfg.HbarLimit.Basic, DefaultHbarBasic)
	}
	if got := cfg.AdmissionLimits().Total; got != 0 {
		t.Errorf("AdmissionLimits().Total = %d, want 0", got)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	path := writeConfig(t, "config.json", `{"upstreams": [{"name": "m", "rpcUrl": "http://x"}]}`)
	_, err := LoadWithEnv(path, func(k string) (string, bool) {
		if k == EnvHbarBasic {
			return "lots", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), EnvHbarBasic) {
		t.Errorf("err = %v, want mention of %s", err, EnvHbarBasic)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no upstreams", `{}`, "at least one upstream"},
		{"duplicate upstream", `{"upstreams": [{"name": "a", "rpcUrl": "http://x"}, {"name": "a", "rpcUrl": "http://y"}]}`, "duplicate"},
		{"bad role", `{"upstreams": [{"name": "a", "rpcUrl": "http://x", "role": "primary"}]}`, "role"},
		{"negative ttl", `{"cache": {"enabled": true, "ttl": {"eth_call": -1}}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "eth_call"},
		{"unknown category", `{"cache": {"ttl": {"eth_foo": 10}}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "unknown category"},
		{"negative cache size", `{"cache": {"maxEntries": -5}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "maxEntries"},
		{"negative budget", `{"hbarLimit": {"total": -1}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "budgets"},
		{"unknown tier", `{"policy": {"defaultTier": "gold"}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "defaultTier"},
		{"empty identity", `{"policy": {"extended": [""]}, "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "policy.extended"},
		{"log level", `{"logLevel": "trace", "upstreams": [{"name": "a", "rpcUrl": "http://x"}]}`, "logLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			_, err := LoadWithEnv(path, noEnv)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
