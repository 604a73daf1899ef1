package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadPolicyMissingFile(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p, DefaultPolicy()) {
		t.Errorf("policy = %+v, want defaults", p)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	want := Policy{
		MaxPastEpochs:           5,
		Padding:                 128,
		UseRatchetTreeExtension: true,
		RequiredExtensionTypes:  []uint16{3},
	}
	if err := WritePolicy(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxPastEpochs != want.MaxPastEpochs || got.Padding != want.Padding {
		t.Errorf("policy = %+v, want %+v", got, want)
	}
	if len(got.RequiredExtensionTypes) != 1 || got.RequiredExtensionTypes[0] != 3 {
		t.Errorf("required extension types = %v", got.RequiredExtensionTypes)
	}
}

func TestLoadPolicyRejectsNegative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("[group]\nmax_past_epochs = -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("negative max_past_epochs accepted")
	}
}
