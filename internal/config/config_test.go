package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if !cfg.IsAuthority() {
		t.Fatalf("expected default role authority, got %q", cfg.Node.Role)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LECTURE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LECTURE_BUS_USERNAME", "alice")
	t.Setenv("LECTURE_BUS_PASSWORD", "secret")
	t.Setenv("LECTURE_BUS_TLS_INSECURE", "true")
	t.Setenv("LECTURE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LECTURE_NODE_ID", "headset-7")
	t.Setenv("LECTURE_NODE_ROLE", "mirror")
	t.Setenv("LECTURE_SESSION_ID", "bio-101")
	t.Setenv("LECTURE_SESSION_REQUEST_TIMEOUT_MS", "750")
	t.Setenv("LECTURE_SESSION_MIN_PARTICIPANTS", "2")
	t.Setenv("LECTURE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LECTURE_NARRATION_ENABLED", "true")
	t.Setenv("LECTURE_NARRATION_MODE", "http")
	t.Setenv("LECTURE_NARRATION_AUTHORIZATION", "Bearer abc")
	t.Setenv("LECTURE_NARRATION_INTERRUPT_ON_NEW_SPEAK", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "headset-7" || cfg.IsAuthority() {
		t.Fatalf("expected mirror node override, got %+v", cfg.Node)
	}
	if cfg.Session.ID != "bio-101" {
		t.Fatalf("expected session id override, got %q", cfg.Session.ID)
	}
	if cfg.Session.RequestTimeoutMS != 750 {
		t.Fatalf("expected request timeout override")
	}
	if cfg.Session.MinParticipants != 2 {
		t.Fatalf("expected min participants override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if !cfg.Narration.Enabled || cfg.Narration.Mode != "http" {
		t.Fatalf("expected narration http override, got %+v", cfg.Narration)
	}
	if cfg.Narration.Authorization != "Bearer abc" {
		t.Fatalf("expected narration authorization override")
	}
	if cfg.Narration.InterruptOnNewSpeak {
		t.Fatalf("expected interrupt flag override false")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lecture.yaml")
	data := []byte(`node:
  id: projector
  role: mirror
session:
  id: chem-201
  deck_path: ./decks/chem.yaml
narration:
  enabled: true
  mode: exec
  command: "python3 tts.py --voice en"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Role != RoleMirror || cfg.Session.ID != "chem-201" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Narration.Command != "python3 tts.py --voice en" {
		t.Fatalf("unexpected narration command %q", cfg.Narration.Command)
	}
	if cfg.Session.QueueSize != 64 {
		t.Fatalf("expected default queue size to survive partial file, got %d", cfg.Session.QueueSize)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"role":         func(c *Config) { c.Node.Role = "observer" },
		"session id":   func(c *Config) { c.Session.ID = "a.b" },
		"deck":         func(c *Config) { c.Session.DeckPath = "" },
		"queue":        func(c *Config) { c.Session.QueueSize = 0 },
		"exec command": func(c *Config) { c.Narration.Enabled = true; c.Narration.Mode = "exec" },
		"tts mode":     func(c *Config) { c.Narration.Enabled = true; c.Narration.Mode = "speakers" },
		"retention":    func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
