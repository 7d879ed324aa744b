package shared

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Pipeline.BatchSize != 50 {
			t.Errorf("expected batch size 50, got %d", config.Pipeline.BatchSize)
		}

		if config.Resolver.CooldownStrategy != "adaptive" {
			t.Errorf("expected adaptive cooldown strategy, got %s", config.Resolver.CooldownStrategy)
		}

		if config.Resolver.MaxRetryAttempts != 5 {
			t.Errorf("expected 5 max retry attempts, got %d", config.Resolver.MaxRetryAttempts)
		}

		if config.Orchestrator.DedupTTLDays != 30 {
			t.Errorf("expected dedup TTL of 30 days, got %d", config.Orchestrator.DedupTTLDays)
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		if config.Database.DSN != DefaultConfig().Database.DSN {
			t.Error("created config DSN doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("SecretHierarchy", func(t *testing.T) {
		tmpDir := t.TempDir()
		secretPath := filepath.Join(tmpDir, "discogs_token")
		if err := os.WriteFile(secretPath, []byte("file-token\n"), 0600); err != nil {
			t.Fatal(err)
		}

		t.Setenv("SETGRAPH_DISCOGS_TOKEN", "env-token")
		t.Setenv("SETGRAPH_LASTFM_API_KEY", "env-lastfm")

		config := DefaultConfig()
		config.Secrets.Dir = tmpDir
		config.APIs.Discogs.Token = "toml-token"
		config.APIs.LastFM.Token = "toml-lastfm"
		config.APIs.SetlistFM.Token = "toml-setlistfm"
		config.resolveSecrets()

		if config.APIs.Discogs.Token != "file-token" {
			t.Errorf("secret file should win over env, got %s", config.APIs.Discogs.Token)
		}
		if config.APIs.LastFM.Token != "env-lastfm" {
			t.Errorf("env should win over toml, got %s", config.APIs.LastFM.Token)
		}
		if config.APIs.SetlistFM.Token != "toml-setlistfm" {
			t.Errorf("toml value should survive when no override exists, got %s", config.APIs.SetlistFM.Token)
		}
	})

	t.Run("MaskSecret", func(t *testing.T) {
		if got := MaskSecret(""); got != "(unset)" {
			t.Errorf("expected (unset), got %s", got)
		}
		if got := MaskSecret("abc"); got != "****" {
			t.Errorf("short secrets should be fully masked, got %s", got)
		}
		got := MaskSecret("super-secret-token")
		if got[:2] != "su" || got[len(got)-2:] != "en" {
			t.Errorf("unexpected mask: %s", got)
		}
		for _, c := range got[2 : len(got)-2] {
			if c != '*' {
				t.Errorf("middle of mask should be stars: %s", got)
			}
		}
	})

	t.Run("ValidateMissingDSN", func(t *testing.T) {
		config := DefaultConfig()
		config.Database.DSN = ""
		if err := config.Validate(); err == nil {
			t.Error("validation should fail without a DSN")
		}
	})
}
