package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	c := Default()
	if !c.Dedup.Enabled || !c.Anon.Enabled {
		t.Fatalf("expected dedup and anon enabled by default")
	}
	if c.Mask.Enabled {
		t.Fatalf("expected mask disabled by default")
	}
	if c.Anon.PrefixV4 != 24 || c.Anon.PrefixV6 != 64 {
		t.Fatalf("unexpected default prefixes: %+v", c.Anon)
	}
	if c.Progress.IntervalMs != 100 {
		t.Fatalf("expected 100ms default progress interval, got %d", c.Progress.IntervalMs)
	}
}

func TestLoad_OverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pcapscrub.yaml")
	yamlBody := "anon:\n  prefix_v4: 16\nmask:\n  enabled: true\n  tls_analyser:\n    path: /usr/local/bin/tlsinfo\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Anon.PrefixV4 != 16 {
		t.Fatalf("expected override prefix_v4=16, got %d", c.Anon.PrefixV4)
	}
	if c.Anon.PrefixV6 != 64 {
		t.Fatalf("expected untouched default prefix_v6=64, got %d", c.Anon.PrefixV6)
	}
	if !c.Mask.Enabled || c.Mask.TLSAnalyser.Path != "/usr/local/bin/tlsinfo" {
		t.Fatalf("expected mask override applied: %+v", c.Mask)
	}
	if !c.Dedup.Enabled {
		t.Fatalf("expected untouched default dedup.enabled=true")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	c := Default()
	t.Setenv("PCAPSCRUB_ANON_PREFIX_V4", "20")
	t.Setenv("PCAPSCRUB_MASK_ENABLED", "true")
	t.Setenv("PCAPSCRUB_WORKERS", "4")
	t.Setenv("PCAPSCRUB_PROGRESS_WS_ADDR", ":8070")
	t.Setenv("PCAPSCRUB_PROGRESS_GRPC_ADDR", ":8071")

	c.ApplyEnvOverrides()

	if c.Anon.PrefixV4 != 20 {
		t.Fatalf("expected env override prefix_v4=20, got %d", c.Anon.PrefixV4)
	}
	if !c.Mask.Enabled {
		t.Fatalf("expected env override mask.enabled=true")
	}
	if c.Pipeline.Workers != 4 {
		t.Fatalf("expected env override workers=4, got %d", c.Pipeline.Workers)
	}
	if c.Progress.WSAddr != ":8070" || c.Progress.GRPCAddr != ":8071" {
		t.Fatalf("expected progress address overrides, got %+v", c.Progress)
	}
}
