package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "krumpkraft.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"agents":[{"id":"verifier_001","role":"verifier"}]}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":3000" {
		t.Fatalf("server address default missing: %q", cfg.Server.Address)
	}
	if cfg.Storage.Records.Driver != "file" || cfg.Storage.Activity.Driver != "memory" {
		t.Fatalf("storage defaults missing: %+v", cfg.Storage)
	}
	if cfg.Messaging.AMQP.Queue != "krumpkraft.messages" {
		t.Fatalf("queue default missing: %q", cfg.Messaging.AMQP.Queue)
	}
	if cfg.Chain.Name != "story_aeneid" {
		t.Fatalf("chain default missing: %q", cfg.Chain.Name)
	}
	if cfg.Decision.IntervalSeconds != 45 || cfg.Decision.CooldownSeconds != 5 {
		t.Fatalf("decision defaults missing: %+v", cfg.Decision)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("data dir default missing: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadOverlaysEnvSecrets(t *testing.T) {
	t.Setenv("KRUMPKRAFT_PRIVATE_KEY", "0xfallback")
	t.Setenv("TREASURY_KEY", "0xtreasury")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("X402_RELAYER_URL", "https://relayer.example")
	t.Setenv("KRUMPKRAFT_WEBHOOK_URL", "https://hooks.example/krump")

	path := writeConfig(t, `{
		"observability": {"webhook_url": "https://hooks.example/from-file"},
		"agents": [
			{"id": "verifier_001", "role": "verifier"},
			{"id": "treasury_001", "role": "treasury", "private_key_env": "TREASURY_KEY"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents[0].PrivateKey != "0xfallback" {
		t.Fatalf("fallback key missing: %q", cfg.Agents[0].PrivateKey)
	}
	if cfg.Agents[1].PrivateKey != "0xtreasury" {
		t.Fatalf("per-agent key missing: %q", cfg.Agents[1].PrivateKey)
	}
	if cfg.LLM.OpenRouter.APIKey != "or-key" {
		t.Fatalf("api key overlay missing: %q", cfg.LLM.OpenRouter.APIKey)
	}
	if cfg.Chain.EVVM.X402RelayerURL != "https://relayer.example" {
		t.Fatalf("relayer overlay missing: %q", cfg.Chain.EVVM.X402RelayerURL)
	}
	if cfg.Observability.WebhookURL != "https://hooks.example/krump" {
		t.Fatalf("webhook overlay missing: %q", cfg.Observability.WebhookURL)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
