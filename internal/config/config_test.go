package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smoynes/uvm32/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()

	if cfg.ETDynLoadBase != 0x08000000 {
		t.Errorf("et_dyn_load_base = %#x, want 0x08000000", cfg.ETDynLoadBase)
	}

	if !cfg.EnableRelocation {
		t.Error("enable_relocation should default true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg != config.Defaults() {
		t.Errorf("Load with missing file = %+v, want defaults %+v", cfg, config.Defaults())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvm.yml")

	yamlBody := "et_dyn_load_base: 0x10000000\nenable_trace: true\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ETDynLoadBase != 0x10000000 {
		t.Errorf("et_dyn_load_base = %#x, want 0x10000000", cfg.ETDynLoadBase)
	}

	if !cfg.EnableTrace {
		t.Error("enable_trace should be true from file")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvm.yml")

	if err := os.WriteFile(path, []byte("et_dyn_load_base: 0x10000000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("UVM_ET_DYN_LOAD_BASE", "0x20000000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ETDynLoadBase != 0x20000000 {
		t.Errorf("et_dyn_load_base = %#x, want 0x20000000 from env", cfg.ETDynLoadBase)
	}
}

func TestLoadRejectsUndersizedMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvm.yml")

	if err := os.WriteFile(path, []byte("memory_size: 1024\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(path); err == nil {
		t.Error("Load should reject memory_size below the 256MiB minimum")
	}
}
