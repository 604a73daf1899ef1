package crypto

import (
	"bytes"
	"testing"
)

func TestIdentityKeyPEMRoundTrip(t *testing.T) {
	priv, _, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	pemStr, err := IdentityKeyToPEM(priv, nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadIdentityKey(pemStr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(priv, loaded) {
		t.Fatal("key differs after PEM round trip")
	}
}

func TestIdentityKeyEncrypted(t *testing.T) {
	priv, _, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	pemStr, err := IdentityKeyToPEM(priv, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentityKey(pemStr, []byte("wrong")); err == nil {
		t.Fatal("wrong passphrase accepted")
	}
	loaded, err := LoadIdentityKey(pemStr, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(priv, loaded) {
		t.Fatal("key differs after encrypted round trip")
	}
}

func TestPassphraseFromEnv(t *testing.T) {
	priv, _, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	pemStr, err := IdentityKeyToPEM(priv, []byte("from-env"))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(PassphraseEnv, "from-env")
	loaded, err := LoadIdentityKey(pemStr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(priv, loaded) {
		t.Fatal("key differs when passphrase comes from the environment")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	_, pub, err := GenerateIdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	pemStr, err := PublicKeyToPEM(pub)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPublicKey(pemStr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, loaded) {
		t.Fatal("public key differs after PEM round trip")
	}
	if len(Fingerprint(pub)) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(Fingerprint(pub)))
	}
}
