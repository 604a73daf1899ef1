package mls

import (
	"bytes"
	"errors"
	"testing"
)

func TestApplicationMessageRoundTrip(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	bob := externalJoin(t, "bob", GroupConfig{}, alice)

	msg, err := alice.CreateApplicationMessage([]byte("aad"), []byte("hello"), 16)
	if err != nil {
		t.Fatal(err)
	}
	pt, sender, err := bob.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("plaintext = %q, want %q", pt, "hello")
	}
	if sender != alice.OwnLeafIndex() {
		t.Errorf("sender = %d, want %d", sender, alice.OwnLeafIndex())
	}

	// Replaying the same generation is rejected.
	if _, _, err := bob.Decrypt(msg); !errors.Is(err, ErrGenerationTooOld) {
		t.Fatalf("replay: err = %v, want ErrGenerationTooOld", err)
	}
}

func TestApplicationMessagesOutOfOrder(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	bob := externalJoin(t, "bob", GroupConfig{}, alice)

	first, err := alice.CreateApplicationMessage(nil, []byte("one"), 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := alice.CreateApplicationMessage(nil, []byte("two"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if pt, _, err := bob.Decrypt(second); err != nil || !bytes.Equal(pt, []byte("two")) {
		t.Fatalf("decrypt second: %q, %v", pt, err)
	}
	if pt, _, err := bob.Decrypt(first); err != nil || !bytes.Equal(pt, []byte("one")) {
		t.Fatalf("decrypt first after second: %q, %v", pt, err)
	}
}

func TestDecryptWrongGroup(t *testing.T) {
	alice := foundGroup(t, "g1", "alice", GroupConfig{})
	other := foundGroup(t, "g2", "zelda", GroupConfig{})

	msg, err := alice.CreateApplicationMessage(nil, []byte("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := other.Decrypt(msg); !errors.Is(err, ErrWrongGroupId) {
		t.Fatalf("err = %v, want ErrWrongGroupId", err)
	}
}

func TestPastEpochDecryptionWindow(t *testing.T) {
	cfg := GroupConfig{MaxPastEpochs: 2}
	alice := foundGroup(t, "g", "alice", cfg)
	bob := externalJoin(t, "bob", cfg, alice)

	// Advance to epoch 5.
	for alice.Epoch() < 5 {
		commitAndSync(t, alice, NewProposalStore(), nil, true, bob)
	}

	atFive1, err := alice.CreateApplicationMessage(nil, []byte("early"), 0)
	if err != nil {
		t.Fatal(err)
	}
	atFive2, err := alice.CreateApplicationMessage(nil, []byte("early-2"), 0)
	if err != nil {
		t.Fatal(err)
	}

	// 5 -> 6 -> 7: the epoch-5 secrets are still inside the window.
	commitAndSync(t, alice, NewProposalStore(), nil, true, bob)
	commitAndSync(t, alice, NewProposalStore(), nil, true, bob)
	if bob.Epoch() != 7 {
		t.Fatalf("epoch = %d, want 7", bob.Epoch())
	}
	pt, _, err := bob.Decrypt(atFive1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("early")) {
		t.Fatalf("plaintext = %q, want %q", pt, "early")
	}

	// 7 -> 8: epoch 5 falls out of the window.
	commitAndSync(t, alice, NewProposalStore(), nil, true, bob)
	if _, _, err := bob.Decrypt(atFive2); !errors.Is(err, ErrTooDistantInThePast) {
		t.Fatalf("err = %v, want ErrTooDistantInThePast", err)
	}
}

func TestPastEpochStoreResize(t *testing.T) {
	st := newMessageSecretsStore(3, testMessageSecrets(t, 2))
	for epoch := uint64(1); epoch <= 3; epoch++ {
		st.Add(epoch, testMessageSecrets(t, 2), nil, []byte("ctx"))
	}
	if st.SecretsForEpoch(1) == nil {
		t.Fatal("epoch 1 should be retained at capacity 3")
	}
	st.Resize(1)
	if st.SecretsForEpoch(1) != nil || st.SecretsForEpoch(2) != nil {
		t.Fatal("resize down must evict oldest epochs")
	}
	if st.SecretsForEpoch(3) == nil {
		t.Fatal("resize down evicted the newest epoch")
	}
}

func TestPastEpochStoreCapacityZero(t *testing.T) {
	st := newMessageSecretsStore(0, testMessageSecrets(t, 2))
	st.Add(1, testMessageSecrets(t, 2), nil, nil)
	if st.SecretsForEpoch(1) != nil {
		t.Fatal("capacity 0 must keep the current epoch only")
	}
}

func TestExportSecretBounds(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})

	max, err := alice.ExportSecret("label", []byte("ctx"), 0xFFFF)
	if err != nil {
		t.Fatal(err)
	}
	if len(max) != 0xFFFF {
		t.Errorf("exported length = %d, want %d", len(max), 0xFFFF)
	}
	if _, err := alice.ExportSecret("label", []byte("ctx"), 0x10000); !errors.Is(err, ErrKeyLengthTooLong) {
		t.Fatalf("err = %v, want ErrKeyLengthTooLong", err)
	}

	// Same inputs, same output; different labels, different output.
	again, err := alice.ExportSecret("label", []byte("ctx"), 32)
	if err != nil {
		t.Fatal(err)
	}
	other, err := alice.ExportSecret("other", []byte("ctx"), 32)
	if err != nil {
		t.Fatal(err)
	}
	first, err := alice.ExportSecret("label", []byte("ctx"), 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, first) {
		t.Error("export secret is not deterministic")
	}
	if bytes.Equal(again, other) {
		t.Error("export secret ignores the label")
	}
}

func TestExportSecretConvergesAcrossMembers(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	bob := externalJoin(t, "bob", GroupConfig{}, alice)

	a, err := alice.ExportSecret("app", []byte("ctx"), 32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bob.ExportSecret("app", []byte("ctx"), 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("exported secrets diverge across members")
	}
}

func TestGroupInfoConfirmationTagInvariant(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	_ = externalJoin(t, "bob", GroupConfig{}, alice)

	gi, err := alice.ExportGroupInfo(false)
	if err != nil {
		t.Fatal(err)
	}
	want := confirmationTag(testSuite, alice.messageSecretsStore.current.ConfirmationKey, alice.Context().ConfirmedTranscriptHash)
	if !bytes.Equal(gi.ConfirmationTag, want) {
		t.Fatal("group info confirmation tag does not match MAC over confirmed transcript hash")
	}
	if _, err := gi.ExternalPub(); err != nil {
		t.Fatal(err)
	}
	nodes, err := gi.RatchetTree()
	if err != nil {
		t.Fatal(err)
	}
	if nodes != nil {
		t.Fatal("ratchet tree included without being requested")
	}

	leaf, err := alice.Tree().Leaf(gi.Signer)
	if err != nil || leaf == nil {
		t.Fatal("group info signer not in tree")
	}
	if !gi.VerifySignature(testSuite, leaf.Credential.SignatureKey) {
		t.Fatal("group info signature invalid")
	}
}

func TestGroupInfoRoundTrip(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	gi, err := alice.ExportGroupInfo(true)
	if err != nil {
		t.Fatal(err)
	}
	data, err := gi.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalGroupInfo(data)
	if err != nil {
		t.Fatal(err)
	}
	data2, err := restored.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Fatal("group info round trip not byte-equal")
	}
}

func TestGroupSnapshotRoundTrip(t *testing.T) {
	cfg := GroupConfig{MaxPastEpochs: 1}
	alice := foundGroup(t, "g", "alice", cfg)
	bob := externalJoin(t, "bob", cfg, alice)
	commitAndSync(t, alice, NewProposalStore(), nil, true, bob)

	data, err := bob.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalGroupState(data)
	if err != nil {
		t.Fatal(err)
	}
	data2, err := restored.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Fatal("group snapshot round trip not byte-equal")
	}

	// The restored group is functional: it decrypts fresh traffic.
	msg, err := alice.CreateApplicationMessage(nil, []byte("still here"), 0)
	if err != nil {
		t.Fatal(err)
	}
	pt, _, err := restored.Decrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("still here")) {
		t.Fatalf("plaintext = %q, want %q", pt, "still here")
	}
}

func TestSetMaxPastEpochs(t *testing.T) {
	cfg := GroupConfig{MaxPastEpochs: 2}
	alice := foundGroup(t, "g", "alice", cfg)
	bob := externalJoin(t, "bob", cfg, alice)

	msg, err := alice.CreateApplicationMessage(nil, []byte("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	commitAndSync(t, alice, NewProposalStore(), nil, true, bob)

	// Shrinking the window to zero drops the retained epoch.
	bob.SetMaxPastEpochs(0)
	if _, _, err := bob.Decrypt(msg); !errors.Is(err, ErrTooDistantInThePast) {
		t.Fatalf("err = %v, want ErrTooDistantInThePast", err)
	}
}
