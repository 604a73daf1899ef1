// End-to-end scenarios exercising the public engine API the way a
// messaging application would.
package test

import (
	"crypto/ed25519"
	"testing"

	"github.com/germtb/mlscore/internal/mls"
	"github.com/stretchr/testify/require"
)

const suite = mls.CiphersuiteX25519ChaCha20SHA256Ed25519

func newMember(t *testing.T, identity string) (*mls.KeyPackageBundle, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bundle, err := mls.NewKeyPackageBundle(suite, []byte(identity), priv)
	require.NoError(t, err)
	return bundle, priv
}

func join(t *testing.T, identity string, cfg mls.GroupConfig, members ...*mls.CoreGroup) *mls.CoreGroup {
	t.Helper()
	gi, err := members[0].ExportGroupInfo(true)
	require.NoError(t, err)
	bundle, _ := newMember(t, identity)
	commit, joiner, err := mls.NewExternalCommit(gi, bundle, cfg)
	require.NoError(t, err)
	for _, m := range members {
		staged, err := m.StageCommit(commit, mls.NewProposalStore(), nil)
		require.NoError(t, err)
		_, err = m.MergeCommit(staged)
		require.NoError(t, err)
	}
	return joiner
}

func sync(t *testing.T, committer *mls.CoreGroup, store *mls.ProposalStore, inline []mls.Proposal, others ...*mls.CoreGroup) {
	t.Helper()
	res, err := committer.CreateCommit(store, inline, true)
	require.NoError(t, err)
	for _, m := range others {
		staged, err := m.StageCommit(res.Commit, store, nil)
		require.NoError(t, err)
		_, err = m.MergeCommit(staged)
		require.NoError(t, err)
	}
	_, err = committer.MergeCommit(res.StagedCommit)
	require.NoError(t, err)
}

// A member joins the founder's group by external commit and both
// exchange application traffic.
func TestAddThenCommunicate(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	require.EqualValues(t, 0, alice.Epoch())

	bob := join(t, "Bob", mls.GroupConfig{}, alice)
	require.EqualValues(t, 1, alice.Epoch())
	require.EqualValues(t, 1, bob.Epoch())
	require.Len(t, alice.Members(), 2)
	require.Equal(t, []byte("Alice"), alice.Members()[0].Identity)
	require.Equal(t, []byte("Bob"), alice.Members()[1].Identity)

	msg, err := alice.CreateApplicationMessage(nil, []byte("hello"), 0)
	require.NoError(t, err)
	pt, sender, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
	require.Equal(t, alice.OwnLeafIndex(), sender)

	reply, err := bob.CreateApplicationMessage(nil, []byte("hi alice"), 0)
	require.NoError(t, err)
	pt, _, err = alice.Decrypt(reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), pt)
}

// A commit adding a key package whose identity is already in the
// group is rejected without touching state.
func TestDuplicateIdentityAddRejected(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	bob := join(t, "Bob", mls.GroupConfig{}, alice)

	epoch := alice.Epoch()
	impostor, _ := newMember(t, "Alice")
	_, err = alice.CreateCommit(mls.NewProposalStore(), []mls.Proposal{
		&mls.AddProposal{KeyPackage: impostor.KeyPackage},
	}, false)
	require.ErrorIs(t, err, mls.ErrExistingIdentityAddProposal)
	require.Equal(t, epoch, alice.Epoch())
	require.Equal(t, epoch, bob.Epoch())
}

// A three-member group rejects a commit whose batch contains the
// committer's own update.
func TestCommitterOwnUpdateRejected(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	bob := join(t, "Bob", mls.GroupConfig{}, alice)
	carol := join(t, "Carol", mls.GroupConfig{}, alice, bob)

	proposal, _, err := carol.CreateUpdateProposal()
	require.NoError(t, err)
	store := mls.NewProposalStore()
	_, err = carol.ProcessProposal(proposal, store)
	require.NoError(t, err)
	_, err = carol.CreateCommit(store, nil, false)
	require.ErrorIs(t, err, mls.ErrCommitterIncludedOwnUpdate)
}

// Message secrets for past epochs are retained inside the configured
// window and evicted beyond it.
func TestPastEpochDecryptionBound(t *testing.T) {
	cfg := mls.GroupConfig{MaxPastEpochs: 2}
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, cfg)
	require.NoError(t, err)
	bob := join(t, "Bob", cfg, alice)

	for alice.Epoch() < 5 {
		sync(t, alice, mls.NewProposalStore(), nil, bob)
	}
	early1, err := alice.CreateApplicationMessage(nil, []byte("epoch five"), 0)
	require.NoError(t, err)
	early2, err := alice.CreateApplicationMessage(nil, []byte("epoch five again"), 0)
	require.NoError(t, err)

	sync(t, alice, mls.NewProposalStore(), nil, bob)
	sync(t, alice, mls.NewProposalStore(), nil, bob)
	require.EqualValues(t, 7, bob.Epoch())
	pt, _, err := bob.Decrypt(early1)
	require.NoError(t, err)
	require.Equal(t, []byte("epoch five"), pt)

	sync(t, alice, mls.NewProposalStore(), nil, bob)
	require.EqualValues(t, 8, bob.Epoch())
	_, _, err = bob.Decrypt(early2)
	require.ErrorIs(t, err, mls.ErrTooDistantInThePast)
}

// A flipped confirmation tag byte aborts staging without advancing
// any state.
func TestConfirmationTagTamper(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	bob := join(t, "Bob", mls.GroupConfig{}, alice)

	res, err := alice.CreateCommit(mls.NewProposalStore(), nil, true)
	require.NoError(t, err)

	before, err := bob.Marshal()
	require.NoError(t, err)
	res.Commit.ConfirmationTag[0] ^= 1
	_, err = bob.StageCommit(res.Commit, mls.NewProposalStore(), nil)
	require.ErrorIs(t, err, mls.ErrConfirmationTagMismatch)
	after, err := bob.Marshal()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// A previously removed member rejoins via an external commit under
// the same identity.
func TestExternalCommitRejoin(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	bob := join(t, "Bob", mls.GroupConfig{}, alice)
	dave := join(t, "Dave", mls.GroupConfig{}, alice, bob)
	daveLeaf := dave.OwnLeafIndex()

	// Remove Dave.
	sync(t, alice, mls.NewProposalStore(), []mls.Proposal{
		&mls.RemoveProposal{Removed: daveLeaf},
	}, bob)
	require.Len(t, alice.Members(), 2)

	// Dave rejoins with fresh keys under the same identity.
	rejoined := join(t, "Dave", mls.GroupConfig{}, alice, bob)
	require.Len(t, alice.Members(), 3)
	require.Equal(t, alice.Epoch(), rejoined.Epoch())

	msg, err := rejoined.CreateApplicationMessage(nil, []byte("back again"), 0)
	require.NoError(t, err)
	pt, _, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("back again"), pt)
}

// All honest members converge on byte-identical epoch state.
func TestMembersConverge(t *testing.T) {
	bundle, _ := newMember(t, "Alice")
	alice, err := mls.NewGroup(suite, []byte{0x00}, bundle, mls.GroupConfig{})
	require.NoError(t, err)
	bob := join(t, "Bob", mls.GroupConfig{}, alice)
	carol := join(t, "Carol", mls.GroupConfig{}, alice, bob)

	sync(t, bob, mls.NewProposalStore(), nil, alice, carol)

	require.Equal(t, alice.EpochAuthenticator(), bob.EpochAuthenticator())
	require.Equal(t, alice.EpochAuthenticator(), carol.EpochAuthenticator())

	a, err := alice.ExportSecret("conv", nil, 32)
	require.NoError(t, err)
	b, err := bob.ExportSecret("conv", nil, 32)
	require.NoError(t, err)
	c, err := carol.ExportSecret("conv", nil, 32)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, a, c)
}
