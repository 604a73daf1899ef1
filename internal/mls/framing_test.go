package mls

import (
	"bytes"
	"errors"
	"testing"
)

func TestPublicMessageWireRoundTrip(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	bob := externalJoin(t, "bob", GroupConfig{}, alice)

	res, err := alice.CreateCommit(NewProposalStore(), nil, true)
	if err != nil {
		t.Fatal(err)
	}
	data, err := marshal(res.Commit)
	if err != nil {
		t.Fatal(err)
	}
	restored := new(PublicMessage)
	if err := unmarshal(data, restored); err != nil {
		t.Fatal(err)
	}
	data2, err := marshal(restored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Fatal("public message round trip not byte-equal")
	}

	// A commit that crossed the wire stages identically.
	staged, err := bob.StageCommit(restored, NewProposalStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.MergeCommit(staged); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.MergeCommit(res.StagedCommit); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(contextBytes(t, alice), contextBytes(t, bob)) {
		t.Fatal("wire round trip diverged the group")
	}
}

func TestPrivateMessageWireRoundTrip(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})
	bob := externalJoin(t, "bob", GroupConfig{}, alice)

	msg, err := alice.CreateApplicationMessage([]byte("meta"), []byte("payload"), 7)
	if err != nil {
		t.Fatal(err)
	}
	data, err := marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	restored := new(PrivateMessage)
	if err := unmarshal(data, restored); err != nil {
		t.Fatal(err)
	}
	pt, _, err := bob.Decrypt(restored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("payload")) {
		t.Fatalf("plaintext = %q, want %q", pt, "payload")
	}
}

func TestValidateFraming(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})

	if err := alice.validateFraming([]byte("other"), 0, ContentTypeCommit); !errors.Is(err, ErrWrongGroupId) {
		t.Errorf("err = %v, want ErrWrongGroupId", err)
	}
	if err := alice.validateFraming([]byte("g"), 1, ContentTypeCommit); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("handshake from future epoch: err = %v, want ErrWrongEpoch", err)
	}
	if err := alice.validateFraming([]byte("g"), 1, ContentTypeApplication); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("application from future epoch: err = %v, want ErrWrongEpoch", err)
	}
	if err := alice.validateFraming([]byte("g"), 0, ContentTypeApplication); err != nil {
		t.Errorf("application at current epoch: %v", err)
	}
}

func TestValidatePlaintext(t *testing.T) {
	alice := foundGroup(t, "g", "alice", GroupConfig{})

	commitContent := alice.memberContent(ContentTypeCommit)
	commitContent.Commit = &Commit{}
	noTag := &PublicMessage{Content: commitContent}
	if err := alice.validatePlaintext(noTag); !errors.Is(err, ErrMissingConfirmationTag) {
		t.Errorf("err = %v, want ErrMissingConfirmationTag", err)
	}

	unknown := alice.memberContent(ContentTypeProposal)
	unknown.Sender = MemberSender(9)
	unknown.Proposal = &RemoveProposal{Removed: 0}
	if err := alice.validatePlaintext(&PublicMessage{Content: unknown}); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("err = %v, want ErrUnknownMember", err)
	}

	app := alice.memberContent(ContentTypeApplication)
	app.ApplicationData = []byte("plaintext app")
	if err := alice.validatePlaintext(&PublicMessage{Content: app}); !errors.Is(err, ErrUnencryptedApplicationMessage) {
		t.Errorf("err = %v, want ErrUnencryptedApplicationMessage", err)
	}

	appExternal := app
	appExternal.Sender = Sender{Type: SenderTypeExternal, SenderIndex: 0}
	if err := alice.validatePlaintext(&PublicMessage{Content: appExternal}); !errors.Is(err, ErrNonMemberApplicationMessage) {
		t.Errorf("err = %v, want ErrNonMemberApplicationMessage", err)
	}
}

func TestLeafNodeSignatureBinding(t *testing.T) {
	bundle := testBundle(t, "alice")
	leaf := bundle.KeyPackage.LeafNode.clone()
	leaf.Source = leafNodeSourceCommit
	leaf.Lifetime = Lifetime{}
	leaf.ParentHash = []byte("ph")
	if err := leaf.sign(testSuite, bundle.SignaturePrivateKey, []byte("group"), 3); err != nil {
		t.Fatal(err)
	}
	if !leaf.verifySignature(testSuite, []byte("group"), 3) {
		t.Fatal("signature does not verify with original binding")
	}
	if leaf.verifySignature(testSuite, []byte("group"), 4) {
		t.Fatal("signature verifies under a different leaf index")
	}
	if leaf.verifySignature(testSuite, []byte("other"), 3) {
		t.Fatal("signature verifies under a different group id")
	}
}

func TestKeyPackageSignature(t *testing.T) {
	bundle := testBundle(t, "alice")
	if !bundle.KeyPackage.verifySignature(testSuite) {
		t.Fatal("fresh key package signature invalid")
	}
	tampered := bundle.KeyPackage
	tampered.InitKey = dup(tampered.InitKey)
	tampered.InitKey[0] ^= 1
	if tampered.verifySignature(testSuite) {
		t.Fatal("tampered key package signature verifies")
	}
}
