package mls

// MessageSecretsStore keeps the current epoch's message secrets plus a
// bounded ring of previous epochs' secrets and leaf snapshots so that
// late application messages can still be decrypted. Capacity 0 keeps
// only the current epoch.
type MessageSecretsStore struct {
	maxEpochs int
	current   *MessageSecrets
	past      []pastEpochSecrets
}

type pastEpochSecrets struct {
	epoch   uint64
	secrets *MessageSecrets
	leaves  []Member
	context []byte // serialized group context of that epoch
}

func newMessageSecretsStore(maxEpochs int, current *MessageSecrets) *MessageSecretsStore {
	return &MessageSecretsStore{maxEpochs: maxEpochs, current: current}
}

// MessageSecrets returns the current epoch's secrets.
func (st *MessageSecretsStore) MessageSecrets() *MessageSecrets { return st.current }

// Add inserts an outgoing epoch's secrets together with a snapshot of
// that epoch's occupied leaves, evicting the oldest entry beyond
// capacity.
func (st *MessageSecretsStore) Add(epoch uint64, secrets *MessageSecrets, leaves []Member, context []byte) {
	if st.maxEpochs == 0 {
		return
	}
	st.past = append(st.past, pastEpochSecrets{epoch: epoch, secrets: secrets, leaves: leaves, context: context})
	if len(st.past) > st.maxEpochs {
		st.past = st.past[len(st.past)-st.maxEpochs:]
	}
}

// ContextForEpoch returns the serialized group context retained for a
// past epoch, nil when outside the window.
func (st *MessageSecretsStore) ContextForEpoch(epoch uint64) []byte {
	for i := range st.past {
		if st.past[i].epoch == epoch {
			return st.past[i].context
		}
	}
	return nil
}

// SecretsForEpoch returns the retained secrets for a past epoch, nil
// when the epoch is outside the retained window.
func (st *MessageSecretsStore) SecretsForEpoch(epoch uint64) *MessageSecrets {
	for i := range st.past {
		if st.past[i].epoch == epoch {
			return st.past[i].secrets
		}
	}
	return nil
}

// SecretsAndLeavesForEpoch additionally returns the leaf snapshot.
func (st *MessageSecretsStore) SecretsAndLeavesForEpoch(epoch uint64) (*MessageSecrets, []Member) {
	for i := range st.past {
		if st.past[i].epoch == epoch {
			return st.past[i].secrets, st.past[i].leaves
		}
	}
	return nil, nil
}

// EpochHasLeaf reports whether the snapshot for a past epoch contains
// an occupied leaf at the given index.
func (st *MessageSecretsStore) EpochHasLeaf(epoch uint64, leaf uint32) bool {
	_, leaves := st.SecretsAndLeavesForEpoch(epoch)
	for _, m := range leaves {
		if m.Index == leaf {
			return true
		}
	}
	return false
}

// Resize changes the capacity, truncating the oldest entries when
// shrinking.
func (st *MessageSecretsStore) Resize(maxEpochs int) {
	st.maxEpochs = maxEpochs
	if len(st.past) > maxEpochs {
		st.past = st.past[len(st.past)-maxEpochs:]
	}
}

// Capacity returns the number of past epochs retained.
func (st *MessageSecretsStore) Capacity() int { return st.maxEpochs }
