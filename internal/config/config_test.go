package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{
		"source": {"host": "imap.old.example", "user": "alice", "password": "s3cret"},
		"destination": {"host": "imap.new.example", "user": "alice", "password": "t0ps3cret"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Port != 993 {
		t.Fatalf("default port: got %d", cfg.Source.Port)
	}
	if cfg.Destination.Host != "imap.new.example" {
		t.Fatalf("host: got %q", cfg.Destination.Host)
	}
}

func TestLoadStartTLSDefaultPort(t *testing.T) {
	path := writeConfig(t, `{
		"source": {"host": "h", "user": "u", "starttls": true},
		"destination": {"host": "h2", "user": "u2"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Port != 143 {
		t.Fatalf("starttls default port: got %d", cfg.Source.Port)
	}
}

func TestLoadMissingHostFailsFast(t *testing.T) {
	path := writeConfig(t, `{
		"source": {"user": "alice", "password": "x"},
		"destination": {"host": "h", "user": "u", "password": "x"}
	}`)
	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
}

func TestEnvOverridesPassword(t *testing.T) {
	t.Setenv(EnvSourcePassword, "from-env")
	path := writeConfig(t, `{
		"source": {"host": "h", "user": "u", "password": "from-file"},
		"destination": {"host": "h2", "user": "u2", "password": "x"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Password != "from-env" {
		t.Fatalf("password: got %q", cfg.Source.Password)
	}
}
