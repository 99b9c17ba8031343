package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POSTING_TOKEN", "secret123")

	yaml := `
server:
  address: ":0"
  storageDir: "` + escapeBackslashes(dir) + `"
automation:
  surfaceUrl: "https://studio.example.com/create"
  cookieDomains: [".example.com"]
publisher:
  apiBaseUrl: "https://graph.example.net"
  accessToken: "${POSTING_TOKEN}"
  maxAssetSize: 2Mi
`
	cfg, err := Load(writeConfig(t, dir, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Publisher.AccessToken != "secret123" {
		t.Fatalf("env expansion failed, token = %q", cfg.Publisher.AccessToken)
	}
	if cfg.Publisher.MaxAssetSize != ByteSize(2*1024*1024) {
		t.Fatalf("maxAssetSize = %d", cfg.Publisher.MaxAssetSize)
	}
	if cfg.Publisher.MaxCaptionLen != 2200 {
		t.Fatalf("default caption length = %d, want 2200", cfg.Publisher.MaxCaptionLen)
	}
	if cfg.Publisher.MonthlyQuota != 25 {
		t.Fatalf("default quota = %d, want 25", cfg.Publisher.MonthlyQuota)
	}
	if cfg.Automation.GenerationTimeout != 120*time.Second {
		t.Fatalf("generation timeout = %s, want 120s", cfg.Automation.GenerationTimeout)
	}
	if cfg.Automation.ProfileTimeout != 90*time.Second {
		t.Fatalf("profile timeout = %s, want 90s", cfg.Automation.ProfileTimeout)
	}
	if cfg.Automation.AuthCheckTimeout != 10*time.Second {
		t.Fatalf("auth check timeout = %s, want 10s", cfg.Automation.AuthCheckTimeout)
	}
	if cfg.Automation.MaxAssets != 4 {
		t.Fatalf("max assets = %d, want 4", cfg.Automation.MaxAssets)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("scheduler interval = %s, want 1m", cfg.Scheduler.Interval)
	}
	if cfg.Server.DatabasePath == "" {
		t.Fatal("database path default not applied")
	}
	if cfg.Automation.AssetDir == "" || cfg.Automation.SnapshotDir == "" {
		t.Fatal("asset/snapshot dir defaults not applied")
	}
	for _, d := range []string{cfg.Automation.AssetDir, cfg.Automation.SnapshotDir} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("dir %q should have been created: %v", d, err)
		}
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no surface url",
			yaml: `
automation:
  cookieDomains: [".example.com"]
publisher:
  apiBaseUrl: "https://graph.example.net"
  accessToken: "x"
`,
			want: "surfaceUrl",
		},
		{
			name: "no access token",
			yaml: `
automation:
  surfaceUrl: "https://studio.example.com"
  cookieDomains: [".example.com"]
publisher:
  apiBaseUrl: "https://graph.example.net"
`,
			want: "accessToken",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sub := filepath.Join(dir, strings.ReplaceAll(c.name, " ", "-"))
			if err := os.MkdirAll(sub, 0o750); err != nil {
				t.Fatal(err)
			}
			_, err := Load(writeConfig(t, sub, c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected error mentioning %q, got %v", c.want, err)
			}
		})
	}
}

func TestLoad_RejectsInvertedPacingWindow(t *testing.T) {
	dir := t.TempDir()
	yaml := `
automation:
  surfaceUrl: "https://studio.example.com"
  cookieDomains: [".example.com"]
  pacingMin: 5s
  pacingMax: 2s
publisher:
  apiBaseUrl: "https://graph.example.net"
  accessToken: "x"
`
	if _, err := Load(writeConfig(t, dir, yaml)); err == nil {
		t.Fatal("expected pacing window validation error")
	}
}

func escapeBackslashes(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}
