package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTemp(t, "run.yaml", "version: 1\ndurable:\n  root: /tmp/gyoshu-reports\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.StaleClaimMS != 120_000 {
		t.Fatalf("expected default stale_claim_ms=120000, got %d", cfg.Queue.StaleClaimMS)
	}
	if cfg.Decision.TrustPassThreshold != 80 {
		t.Fatalf("expected default trust threshold 80, got %d", cfg.Decision.TrustPassThreshold)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	p := writeTemp(t, "run.yaml", "version: 1\ndurable:\n  root: /tmp/x\nbogus_field: true\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRequiresAbsoluteDurableRoot(t *testing.T) {
	p := writeTemp(t, "run.yaml", "version: 1\ndurable:\n  root: relative/path\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for relative durable.root")
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTemp(t, "run.json", `{"version":1,"durable":{"root":"/tmp/x"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Durable.Root != "/tmp/x" {
		t.Fatalf("got %q", cfg.Durable.Root)
	}
}

func TestDefaultConstructor(t *testing.T) {
	cfg := Default("/tmp/x")
	if cfg.Queue.MaxJobAttempts != 3 {
		t.Fatalf("expected 3, got %d", cfg.Queue.MaxJobAttempts)
	}
}
