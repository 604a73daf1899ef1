package storage

import (
	"bytes"
	"testing"

	"github.com/germtb/mlscore/internal/crypto"
	"github.com/germtb/mlscore/internal/mls"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	p := Paths{Root: t.TempDir()}
	if err := p.Ensure(); err != nil {
		t.Fatal(err)
	}
	return p
}

func testGroup(t *testing.T) *mls.CoreGroup {
	t.Helper()
	priv, _, err := crypto.GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := mls.NewKeyPackageBundle(mls.CiphersuiteX25519ChaCha20SHA256Ed25519, []byte("alice"), priv)
	if err != nil {
		t.Fatal(err)
	}
	g, err := mls.NewGroup(mls.CiphersuiteX25519ChaCha20SHA256Ed25519, []byte("g"), bundle, mls.GroupConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSaveLoadGroup(t *testing.T) {
	paths := testPaths(t)
	g := testGroup(t)

	if err := SaveGroup(paths, "team", g); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadGroup(paths, "team")
	if err != nil {
		t.Fatal(err)
	}

	want, err := g.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want, got) {
		t.Fatal("group state differs after save/load")
	}
}

func TestListGroups(t *testing.T) {
	paths := testPaths(t)
	names, err := ListGroups(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}

	for _, name := range []string{"zeta", "alpha"} {
		if err := SaveGroup(paths, name, testGroup(t)); err != nil {
			t.Fatal(err)
		}
	}
	names, err = ListGroups(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("names = %v, want [alpha zeta]", names)
	}

	if err := DeleteGroup(paths, "alpha"); err != nil {
		t.Fatal(err)
	}
	names, _ = ListGroups(paths)
	if len(names) != 1 || names[0] != "zeta" {
		t.Fatalf("names after delete = %v, want [zeta]", names)
	}
}

func TestIdentityKeyStorage(t *testing.T) {
	paths := testPaths(t)
	priv, _, err := crypto.GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveIdentityKey(paths, "alice", priv, nil); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadIdentityKey(paths, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(priv, loaded) {
		t.Fatal("identity key differs after storage round trip")
	}
}
