package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repnet.yml")
	data := []byte("role: client\nhost: 0.0.0.0:1\nnet:\n  speed: 5000\n  max_packet: 1024\ndb:\n  backend: sqlite3\n")
	if err := os.WriteFile(path, data, 0666); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REPNET_HOST", "127.0.0.1:4000")
	t.Setenv("REPNET_DB_BACKEND", "postgres")

	if err := LoadConfig(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := confString("role", ""); got != "client" {
		t.Fatalf("role %q", got)
	}
	if got := confString("host", ""); got != "127.0.0.1:4000" {
		t.Fatalf("host %q, want the environment override", got)
	}
	if got := confString("db:backend", ""); got != "postgres" {
		t.Fatalf("backend %q, want the environment override", got)
	}

	cfg := netConfig()
	if cfg.NetSpeed != 5000 || cfg.MaxPacket != 1024 {
		t.Fatalf("net config %+v", cfg)
	}
	if cfg.ResendTimeout != time.Second {
		t.Fatalf("resend timeout %v, want the default", cfg.ResendTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if err := LoadConfig(filepath.Join(t.TempDir(), "none.yml")); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := confInt("tick_rate", 20); got != 20 {
		t.Fatalf("tick rate %d, want the default", got)
	}
	if got := tickInterval(); got != 50*time.Millisecond {
		t.Fatalf("tick interval %v", got)
	}
}

func TestConfKeyNested(t *testing.T) {
	Config = nil
	setConfKey("a:b:c", 1)
	setConfKey("s", "str")

	if got := ConfKey("a:b:c"); got != 1 {
		t.Fatalf("a:b:c = %v", got)
	}
	if got := ConfKey("a:x:c"); got != nil {
		t.Fatalf("a:x:c = %v", got)
	}
	if got := ConfKey("s:t"); got != nil {
		t.Fatalf("key below a string = %v", got)
	}
	if got := confBool("a:b:c", true); !got {
		t.Fatal("non-bool key did not fall back")
	}
}
