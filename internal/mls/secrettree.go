package mls

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/cryptobyte"
)

// Sender ratchet bounds. A receiver keeps a short window of unconsumed
// keys for out-of-order delivery and refuses to ratchet unreasonably
// far ahead.
const (
	outOfOrderTolerance    = 5
	maximumForwardDistance = 1000
)

type keyAndNonce struct {
	key   []byte
	nonce []byte
}

func (kn keyAndNonce) zeroize() {
	zeroize(kn.key)
	zeroize(kn.nonce)
}

// secretTree derives a per-leaf base secret from the epoch's
// encryption secret by walking down the node tree, erasing each parent
// secret once both children are derived.
type secretTree struct {
	suite   Ciphersuite
	size    leafCount
	secrets map[nodeIndex][]byte
}

func newSecretTree(cs Ciphersuite, encryptionSecret []byte, size leafCount) *secretTree {
	st := &secretTree{
		suite:   cs,
		size:    size,
		secrets: map[nodeIndex][]byte{root(size): dup(encryptionSecret)},
	}
	return st
}

// leafSecret derives and consumes the base secret for a leaf.
func (st *secretTree) leafSecret(leaf leafIndex) ([]byte, error) {
	target := toNodeIndex(leaf)
	if uint32(target) >= nodeWidth(st.size) {
		return nil, ErrLeafNotInTree
	}

	// Find the closest populated ancestor.
	path := append([]nodeIndex{target}, directPath(target, st.size)...)
	from := -1
	for i, n := range path {
		if _, ok := st.secrets[n]; ok {
			from = i
			break
		}
	}
	if from < 0 {
		return nil, fmt.Errorf("%w: leaf secret already consumed", ErrLibrary)
	}

	// Derive down.
	for i := from; i > 0; i-- {
		node := path[i]
		l, r := left(node), right(node)
		secret := st.secrets[node]
		st.secrets[l] = st.suite.expandWithLabel(secret, "tree", []byte("left"), secretSize)
		st.secrets[r] = st.suite.expandWithLabel(secret, "tree", []byte("right"), secretSize)
		zeroize(secret)
		delete(st.secrets, node)
	}

	out := dup(st.secrets[target])
	zeroize(st.secrets[target])
	delete(st.secrets, target)
	return out, nil
}

func (st *secretTree) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(st.size))
	idxs := make([]int, 0, len(st.secrets))
	for n := range st.secrets {
		idxs = append(idxs, int(n))
	}
	sort.Ints(idxs)
	writeVector(b, len(idxs), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(uint32(idxs[i]))
		writeOpaqueVec(b, st.secrets[nodeIndex(idxs[i])])
	})
}

func (st *secretTree) unmarshal(s *cryptobyte.String, cs Ciphersuite) error {
	var size uint32
	if !s.ReadUint32(&size) {
		return io.ErrUnexpectedEOF
	}
	st.suite = cs
	st.size = leafCount(size)
	st.secrets = make(map[nodeIndex][]byte)
	return readVector(s, func(s *cryptobyte.String) error {
		var idx uint32
		var secret []byte
		if !s.ReadUint32(&idx) || !readOpaqueVec(s, &secret) {
			return io.ErrUnexpectedEOF
		}
		st.secrets[nodeIndex(idx)] = secret
		return nil
	})
}

// senderRatchet walks a per-sender chain of AEAD keys forward-only,
// keeping a bounded cache for out-of-order ciphertexts.
type senderRatchet struct {
	suite      Ciphersuite
	secret     []byte
	generation uint32
	cache      map[uint32]keyAndNonce
}

func newSenderRatchet(cs Ciphersuite, baseSecret []byte) *senderRatchet {
	return &senderRatchet{
		suite:  cs,
		secret: baseSecret,
		cache:  make(map[uint32]keyAndNonce),
	}
}

func (sr *senderRatchet) deriveCurrent() keyAndNonce {
	ctx := make([]byte, 4)
	binary.BigEndian.PutUint32(ctx, sr.generation)
	return keyAndNonce{
		key:   sr.suite.expandWithLabel(sr.secret, "key", ctx, aeadKeySize),
		nonce: sr.suite.expandWithLabel(sr.secret, "nonce", ctx, aeadNonceSize),
	}
}

// next consumes the current generation, advancing the chain.
func (sr *senderRatchet) next() (uint32, keyAndNonce) {
	kn := sr.deriveCurrent()
	ctx := make([]byte, 4)
	binary.BigEndian.PutUint32(ctx, sr.generation)
	nextSecret := sr.suite.expandWithLabel(sr.secret, "secret", ctx, secretSize)
	zeroize(sr.secret)
	sr.secret = nextSecret

	generation := sr.generation
	sr.generation++
	return generation, kn
}

// get returns the key and nonce for a generation, ratcheting forward
// if needed and consulting the out-of-order cache for the past.
func (sr *senderRatchet) get(generation uint32) (keyAndNonce, error) {
	if generation < sr.generation {
		kn, ok := sr.cache[generation]
		if !ok {
			return keyAndNonce{}, ErrGenerationTooOld
		}
		delete(sr.cache, generation)
		return kn, nil
	}
	if generation-sr.generation > maximumForwardDistance {
		return keyAndNonce{}, ErrGenerationTooFarAhead
	}
	for sr.generation < generation {
		g, kn := sr.next()
		sr.cache[g] = kn
		sr.pruneCache()
	}
	_, kn := sr.next()
	return kn, nil
}

func (sr *senderRatchet) pruneCache() {
	for g, kn := range sr.cache {
		if sr.generation-g > outOfOrderTolerance {
			kn.zeroize()
			delete(sr.cache, g)
		}
	}
}

func (sr *senderRatchet) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, sr.secret)
	b.AddUint32(sr.generation)
}

func (sr *senderRatchet) unmarshal(s *cryptobyte.String, cs Ciphersuite) error {
	var secret []byte
	var generation uint32
	if !readOpaqueVec(s, &secret) || !s.ReadUint32(&generation) {
		return io.ErrUnexpectedEOF
	}
	sr.suite = cs
	sr.secret = secret
	sr.generation = generation
	sr.cache = make(map[uint32]keyAndNonce)
	return nil
}

// MessageSecrets bundles everything needed to protect and unprotect
// messages within one epoch. Sender ratchets mutate on decrypt, so the
// caller must hold exclusive access.
type MessageSecrets struct {
	suite Ciphersuite

	SenderDataSecret []byte
	ConfirmationKey  []byte
	MembershipKey    []byte

	tree                *secretTree
	handshakeRatchets   map[leafIndex]*senderRatchet
	applicationRatchets map[leafIndex]*senderRatchet
}

func newMessageSecrets(cs Ciphersuite, senderDataSecret, encryptionSecret, confirmationKey, membershipKey []byte, size leafCount) *MessageSecrets {
	return &MessageSecrets{
		suite:               cs,
		SenderDataSecret:    senderDataSecret,
		ConfirmationKey:     confirmationKey,
		MembershipKey:       membershipKey,
		tree:                newSecretTree(cs, encryptionSecret, size),
		handshakeRatchets:   make(map[leafIndex]*senderRatchet),
		applicationRatchets: make(map[leafIndex]*senderRatchet),
	}
}

// ratchet returns the sender ratchet for a leaf and content type. The
// leaf's base secret is consumed from the secret tree on first use,
// instantiating the handshake and application ratchets together.
func (ms *MessageSecrets) ratchet(leaf leafIndex, ct ContentType) (*senderRatchet, error) {
	ratchets := ms.applicationRatchets
	if ct != ContentTypeApplication {
		ratchets = ms.handshakeRatchets
	}
	if r, ok := ratchets[leaf]; ok {
		return r, nil
	}
	leafSecret, err := ms.tree.leafSecret(leaf)
	if err != nil {
		return nil, err
	}
	hs := ms.suite.expandWithLabel(leafSecret, "handshake", nil, secretSize)
	app := ms.suite.expandWithLabel(leafSecret, "application", nil, secretSize)
	zeroize(leafSecret)
	ms.handshakeRatchets[leaf] = newSenderRatchet(ms.suite, hs)
	ms.applicationRatchets[leaf] = newSenderRatchet(ms.suite, app)
	return ratchets[leaf], nil
}

// senderDataKeyNonce derives the sender data AEAD key and nonce from a
// sample of the message ciphertext.
func (ms *MessageSecrets) senderDataKeyNonce(ciphertextSample []byte) (key, nonce []byte) {
	if len(ciphertextSample) > hashSize {
		ciphertextSample = ciphertextSample[:hashSize]
	}
	key = ms.suite.expandWithLabel(ms.SenderDataSecret, "sender data key", ciphertextSample, aeadKeySize)
	nonce = ms.suite.expandWithLabel(ms.SenderDataSecret, "sender data nonce", ciphertextSample, aeadNonceSize)
	return key, nonce
}

func (ms *MessageSecrets) leafCount() leafCount {
	return ms.tree.size
}

func (ms *MessageSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, ms.SenderDataSecret)
	writeOpaqueVec(b, ms.ConfirmationKey)
	writeOpaqueVec(b, ms.MembershipKey)
	ms.tree.marshal(b)
	marshalRatchetMap(b, ms.handshakeRatchets)
	marshalRatchetMap(b, ms.applicationRatchets)
}

func (ms *MessageSecrets) unmarshal(s *cryptobyte.String, cs Ciphersuite) error {
	*ms = MessageSecrets{suite: cs}
	if !readOpaqueVec(s, &ms.SenderDataSecret) ||
		!readOpaqueVec(s, &ms.ConfirmationKey) ||
		!readOpaqueVec(s, &ms.MembershipKey) {
		return io.ErrUnexpectedEOF
	}
	ms.tree = new(secretTree)
	if err := ms.tree.unmarshal(s, cs); err != nil {
		return err
	}
	var err error
	if ms.handshakeRatchets, err = unmarshalRatchetMap(s, cs); err != nil {
		return err
	}
	if ms.applicationRatchets, err = unmarshalRatchetMap(s, cs); err != nil {
		return err
	}
	return nil
}

func marshalRatchetMap(b *cryptobyte.Builder, m map[leafIndex]*senderRatchet) {
	idxs := make([]int, 0, len(m))
	for l := range m {
		idxs = append(idxs, int(l))
	}
	sort.Ints(idxs)
	writeVector(b, len(idxs), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(uint32(idxs[i]))
		m[leafIndex(idxs[i])].marshal(b)
	})
}

func unmarshalRatchetMap(s *cryptobyte.String, cs Ciphersuite) (map[leafIndex]*senderRatchet, error) {
	m := make(map[leafIndex]*senderRatchet)
	err := readVector(s, func(s *cryptobyte.String) error {
		var idx uint32
		if !s.ReadUint32(&idx) {
			return io.ErrUnexpectedEOF
		}
		r := new(senderRatchet)
		if err := r.unmarshal(s, cs); err != nil {
			return err
		}
		m[leafIndex(idx)] = r
		return nil
	})
	return m, err
}
