package registry

import (
	"errors"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTURE_MODEL_REGISTRY", "")

	r, err := Load("inference.local")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	m, err := r.Lookup("cx")
	if err != nil {
		t.Fatalf("Lookup cx: %v", err)
	}
	if m.Addr() != "inference.local:8895" {
		t.Errorf("addr = %q", m.Addr())
	}
	if m.MaxFrames != DefaultMaxFrames {
		t.Errorf("maxFrames = %d, want default %d", m.MaxFrames, DefaultMaxFrames)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("POSTURE_MODEL_REGISTRY", `{"cx": {"host": "10.0.0.9", "port": 9000, "maxFrames": 30}}`)

	r, err := Load("inference.local")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, err := r.Lookup("cx")
	if err != nil {
		t.Fatalf("Lookup cx: %v", err)
	}
	if m.Addr() != "10.0.0.9:9000" || m.MaxFrames != 30 {
		t.Errorf("override not applied: %+v", m)
	}
}

func TestLoad_BadJSON(t *testing.T) {
	t.Setenv("POSTURE_MODEL_REGISTRY", "{nope")
	if _, err := Load("h"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLookup_Errors(t *testing.T) {
	r := NewStatic(
		Model{Name: "cx", Host: "h", Port: 1},
		Model{Name: "gy"}, // registered, no host
	)

	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("unknown model error = %v", err)
	}
	if _, err := r.Lookup("gy"); !errors.Is(err, ErrModelNotConfigured) {
		t.Errorf("unconfigured model error = %v", err)
	}
}
