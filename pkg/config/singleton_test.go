package config

import "testing"

func TestInitialize(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	if err := Initialize(writeConfig(t, "ledger:\n  backend: memory\n")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	cfg := MustGetConfig()
	if cfg.Ledger.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Ledger.Backend)
	}
}

func TestMustGetConfig_PanicsBeforeInitialize(t *testing.T) {
	SetConfig(nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustGetConfig()
}
