package policystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), p); diff != "" {
		t.Errorf("Load(missing) mismatch against Default() (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	p := Default()
	p.SelectionStrategy = "rr_elimination"
	bucket := p.StatsBucket("designer", "epoch1")
	bucket.Attempts["v1.txt"] = 4
	bucket.Passes["v1.txt"] = 3
	bucket.CleanPasses["v1.txt"] = 2

	if err := Save(path, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(p, loaded); diff != "" {
		t.Errorf("load(save(p)) != p (-want +got):\n%s", diff)
	}
}

func TestSavePreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	raw := `{
		"selection_strategy": "ucb1",
		"future_knob_not_yet_understood": {"nested": true},
		"stats": {}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.SelectionStrategy != "ucb1" {
		t.Errorf("expected known field to decode, got %q", p.SelectionStrategy)
	}
	if _, ok := p.Extra["future_knob_not_yet_understood"]; !ok {
		t.Fatalf("expected unknown key to be preserved in Extra, got %v", p.Extra)
	}

	if err := Save(path, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	roundTripped, err := Load(path)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if _, ok := roundTripped.Extra["future_knob_not_yet_understood"]; !ok {
		t.Error("expected unknown key to survive a save/load round trip")
	}
}

