package mls

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// Group snapshot serialization. The engine guarantees byte-equal
// round trips; the storage layer owns where the bytes go.

func marshalMember(b *cryptobyte.Builder, m *Member) {
	b.AddUint32(m.Index)
	writeOpaqueVec(b, m.Identity)
	writeOpaqueVec(b, m.EncryptionKey)
	writeOpaqueVec(b, m.SignatureKey)
}

func unmarshalMember(s *cryptobyte.String) (Member, error) {
	var m Member
	if !s.ReadUint32(&m.Index) ||
		!readOpaqueVec(s, &m.Identity) ||
		!readOpaqueVec(s, &m.EncryptionKey) ||
		!readOpaqueVec(s, &m.SignatureKey) {
		return m, io.ErrUnexpectedEOF
	}
	return m, nil
}

func (ges *GroupEpochSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, ges.InitSecret)
	writeOpaqueVec(b, ges.ExporterSecret)
	writeOpaqueVec(b, ges.ExternalSecret)
	writeOpaqueVec(b, ges.ResumptionPsk)
	writeOpaqueVec(b, ges.EpochAuthenticator)
}

func (ges *GroupEpochSecrets) unmarshal(s *cryptobyte.String) error {
	*ges = GroupEpochSecrets{}
	if !readOpaqueVec(s, &ges.InitSecret) ||
		!readOpaqueVec(s, &ges.ExporterSecret) ||
		!readOpaqueVec(s, &ges.ExternalSecret) ||
		!readOpaqueVec(s, &ges.ResumptionPsk) ||
		!readOpaqueVec(s, &ges.EpochAuthenticator) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (st *MessageSecretsStore) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(st.maxEpochs))
	st.current.marshal(b)
	writeVector(b, len(st.past), func(b *cryptobyte.Builder, i int) {
		p := &st.past[i]
		b.AddUint64(p.epoch)
		p.secrets.marshal(b)
		writeVector(b, len(p.leaves), func(b *cryptobyte.Builder, j int) {
			marshalMember(b, &p.leaves[j])
		})
		writeOpaqueVec(b, p.context)
	})
}

func (st *MessageSecretsStore) unmarshal(s *cryptobyte.String, cs Ciphersuite) error {
	var maxEpochs uint32
	if !s.ReadUint32(&maxEpochs) {
		return io.ErrUnexpectedEOF
	}
	st.maxEpochs = int(maxEpochs)
	st.current = new(MessageSecrets)
	if err := st.current.unmarshal(s, cs); err != nil {
		return err
	}
	st.past = nil
	return readVector(s, func(s *cryptobyte.String) error {
		var p pastEpochSecrets
		if !s.ReadUint64(&p.epoch) {
			return io.ErrUnexpectedEOF
		}
		p.secrets = new(MessageSecrets)
		if err := p.secrets.unmarshal(s, cs); err != nil {
			return err
		}
		if err := readVector(s, func(s *cryptobyte.String) error {
			m, err := unmarshalMember(s)
			if err != nil {
				return err
			}
			p.leaves = append(p.leaves, m)
			return nil
		}); err != nil {
			return err
		}
		if !readOpaqueVec(s, &p.context) {
			return io.ErrUnexpectedEOF
		}
		st.past = append(st.past, p)
		return nil
	})
}

// Marshal serializes the complete group state: ciphersuite, group
// context, epoch secrets, ratchet tree, transcript state and the
// past-epoch secrets store.
func (g *CoreGroup) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(g.ciphersuite))
	b.AddUint16(uint16(g.version))
	g.groupContext.marshal(&b)
	g.groupEpochSecrets.marshal(&b)
	g.tree.marshal(&b)
	writeOpaqueVec(&b, g.interimTranscriptHash)
	writeOptional(&b, g.useRatchetTreeExtension)
	g.messageSecretsStore.marshal(&b)
	writeOpaqueVec(&b, g.signatureKey.Seed())

	pskIDs := make([]string, 0, len(g.psks))
	for id := range g.psks {
		pskIDs = append(pskIDs, id)
	}
	sortStrings(pskIDs)
	writeVector(&b, len(pskIDs), func(b *cryptobyte.Builder, i int) {
		writeOpaqueVec(b, []byte(pskIDs[i]))
		writeOpaqueVec(b, g.psks[pskIDs[i]])
	})

	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("marshal group state: %w", err)
	}
	return out, nil
}

// UnmarshalGroupState restores a CoreGroup from bytes produced by
// Marshal.
func UnmarshalGroupState(data []byte) (*CoreGroup, error) {
	s := cryptobyte.String(data)
	g := &CoreGroup{psks: make(map[string][]byte)}

	var suite, version uint16
	if !s.ReadUint16(&suite) || !s.ReadUint16(&version) {
		return nil, io.ErrUnexpectedEOF
	}
	g.ciphersuite = Ciphersuite(suite)
	g.version = ProtocolVersion(version)

	if err := g.groupContext.unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal group context: %w", err)
	}
	g.groupEpochSecrets = new(GroupEpochSecrets)
	if err := g.groupEpochSecrets.unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal epoch secrets: %w", err)
	}
	g.tree = new(TreeSync)
	if err := g.tree.unmarshal(&s, g.ciphersuite); err != nil {
		return nil, fmt.Errorf("unmarshal ratchet tree: %w", err)
	}
	if !readOpaqueVec(&s, &g.interimTranscriptHash) {
		return nil, io.ErrUnexpectedEOF
	}
	if !readOptional(&s, &g.useRatchetTreeExtension) {
		return nil, io.ErrUnexpectedEOF
	}
	g.messageSecretsStore = new(MessageSecretsStore)
	if err := g.messageSecretsStore.unmarshal(&s, g.ciphersuite); err != nil {
		return nil, fmt.Errorf("unmarshal message secrets store: %w", err)
	}

	var seed []byte
	if !readOpaqueVec(&s, &seed) {
		return nil, io.ErrUnexpectedEOF
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("bad signature key seed length %d", len(seed))
	}
	g.signatureKey = ed25519.NewKeyFromSeed(seed)

	if err := readVector(&s, func(s *cryptobyte.String) error {
		var id, secret []byte
		if !readOpaqueVec(s, &id) || !readOpaqueVec(s, &secret) {
			return io.ErrUnexpectedEOF
		}
		g.psks[string(id)] = secret
		return nil
	}); err != nil {
		return nil, fmt.Errorf("unmarshal psks: %w", err)
	}

	if !s.Empty() {
		return nil, fmt.Errorf("trailing bytes in group state")
	}
	return g, nil
}

func sortStrings(v []string) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}
