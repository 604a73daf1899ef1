package mls

import (
	"bytes"
	"errors"
	"testing"
)

func testMessageSecrets(t *testing.T, size leafCount) *MessageSecrets {
	t.Helper()
	return newMessageSecrets(testSuite,
		testSuite.hash([]byte("sender data")),
		testSuite.hash([]byte("encryption")),
		testSuite.hash([]byte("confirm")),
		testSuite.hash([]byte("membership")),
		size)
}

func TestSecretTreeLeafSecretsDiffer(t *testing.T) {
	st := newSecretTree(testSuite, testSuite.hash([]byte("root")), 4)
	a, err := st.leafSecret(0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := st.leafSecret(1)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("distinct leaves derived the same secret")
	}
	if _, err := st.leafSecret(4); !errors.Is(err, ErrLeafNotInTree) {
		t.Fatalf("out of range leaf: err = %v, want ErrLeafNotInTree", err)
	}
}

func TestSecretTreeDeterministic(t *testing.T) {
	s1 := newSecretTree(testSuite, testSuite.hash([]byte("root")), 4)
	s2 := newSecretTree(testSuite, testSuite.hash([]byte("root")), 4)
	// Consumption order must not matter for the value derived.
	a1, _ := s1.leafSecret(2)
	_, _ = s2.leafSecret(0)
	a2, _ := s2.leafSecret(2)
	if !bytes.Equal(a1, a2) {
		t.Fatal("leaf secret depends on consumption order")
	}
}

func TestSenderRatchetForward(t *testing.T) {
	sr := newSenderRatchet(testSuite, testSuite.hash([]byte("base")))
	gen0, kn0 := sr.next()
	if gen0 != 0 {
		t.Fatalf("first generation = %d, want 0", gen0)
	}
	gen1, kn1 := sr.next()
	if gen1 != 1 {
		t.Fatalf("second generation = %d, want 1", gen1)
	}
	if bytes.Equal(kn0.key, kn1.key) {
		t.Fatal("consecutive generations derived the same key")
	}
}

func TestSenderRatchetSenderReceiverAgree(t *testing.T) {
	sender := newSenderRatchet(testSuite, testSuite.hash([]byte("base")))
	receiver := newSenderRatchet(testSuite, testSuite.hash([]byte("base")))

	gen, senderKey := sender.next()
	receiverKey, err := receiver.get(gen)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(senderKey.key, receiverKey.key) || !bytes.Equal(senderKey.nonce, receiverKey.nonce) {
		t.Fatal("sender and receiver disagree on generation key material")
	}
}

func TestSenderRatchetOutOfOrder(t *testing.T) {
	receiver := newSenderRatchet(testSuite, testSuite.hash([]byte("base")))

	// Jump ahead: generations 0..2 get cached.
	if _, err := receiver.get(3); err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.get(1); err != nil {
		t.Fatalf("cached generation: %v", err)
	}
	// A generation consumed out of the cache is gone.
	if _, err := receiver.get(1); !errors.Is(err, ErrGenerationTooOld) {
		t.Fatalf("replayed generation: err = %v, want ErrGenerationTooOld", err)
	}
	if _, err := receiver.get(3); !errors.Is(err, ErrGenerationTooOld) {
		t.Fatalf("already consumed generation: err = %v, want ErrGenerationTooOld", err)
	}
}

func TestSenderRatchetTooFarAhead(t *testing.T) {
	receiver := newSenderRatchet(testSuite, testSuite.hash([]byte("base")))
	if _, err := receiver.get(maximumForwardDistance + 1); !errors.Is(err, ErrGenerationTooFarAhead) {
		t.Fatalf("err = %v, want ErrGenerationTooFarAhead", err)
	}
}

func TestMessageSecretsRatchetPerContentType(t *testing.T) {
	ms := testMessageSecrets(t, 2)
	app, err := ms.ratchet(0, ContentTypeApplication)
	if err != nil {
		t.Fatal(err)
	}
	hs, err := ms.ratchet(0, ContentTypeCommit)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(app.secret, hs.secret) {
		t.Fatal("application and handshake ratchets share a base secret")
	}
}
