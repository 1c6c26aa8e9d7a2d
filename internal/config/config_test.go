package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/integrations/internal/store"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Instance = "work"
	cfg.MainAPI.URL = "http://erxes.test"
	cfg.Resolver.PendingWait = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Instance != "work" {
		t.Errorf("Instance = %q, want %q", loaded.Instance, "work")
	}
	if loaded.MainAPI.URL != "http://erxes.test" {
		t.Errorf("MainAPI.URL = %q", loaded.MainAPI.URL)
	}
	if loaded.Resolver.PendingWait.Duration != 2*time.Second {
		t.Errorf("PendingWait = %v, want 2s", loaded.Resolver.PendingWait)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
channels = ["facebook", "gmail"]

[main_api]
url = "http://erxes.internal:3300"
timeout = "3s"

[facebook]
verify_token = "vt"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainAPI.Timeout.Duration != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", cfg.MainAPI.Timeout)
	}
	if cfg.Resolver.PendingWait.Duration != 5*time.Second {
		t.Errorf("pending wait = %v, want default 5s", cfg.Resolver.PendingWait)
	}
	if cfg.HTTP.Addr != ":3400" {
		t.Errorf("http addr = %q, want default", cfg.HTTP.Addr)
	}
	if cfg.Facebook.VerifyToken != "vt" {
		t.Errorf("verify token = %q", cfg.Facebook.VerifyToken)
	}
	if !cfg.Enabled(store.KindGmail) || cfg.Enabled(store.KindTelnyx) {
		t.Errorf("channels = %v", cfg.Channels)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[main_api]\nurl = \"http://from-file\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TELNYX_API_KEY=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAIN_API_URL", "http://from-env")
	t.Setenv("RESOLVER_PENDING_WAIT", "750ms")
	t.Setenv("INTEGRATIONS_CHANNELS", "telnyx,webhook")
	t.Setenv("TELNYX_API_KEY", "")
	os.Unsetenv("TELNYX_API_KEY")

	cfg, err := Resolve(path, envFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainAPI.URL != "http://from-env" {
		t.Errorf("main api url = %q, want env override", cfg.MainAPI.URL)
	}
	if cfg.Resolver.PendingWait.Duration != 750*time.Millisecond {
		t.Errorf("pending wait = %v", cfg.Resolver.PendingWait)
	}
	if cfg.Telnyx.APIKey != "from-dotenv" {
		t.Errorf("telnyx api key = %q", cfg.Telnyx.APIKey)
	}
	if len(cfg.Channels) != 2 || !cfg.Enabled(store.KindWebhook) {
		t.Errorf("channels = %v", cfg.Channels)
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "none.toml"), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Instance != "main" || len(cfg.Channels) != len(store.Kinds) {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Channels = []string{"facebook", "icq"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown channel")
	}

	cfg = Default()
	cfg.MainAPI.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted empty main_api.url")
	}

	cfg = Default()
	cfg.Telnyx.PublicKey = "c2hvcnQ="
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a short telnyx.public_key")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
