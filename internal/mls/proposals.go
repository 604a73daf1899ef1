package mls

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// ProposalType identifies a proposal variant on the wire.
type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 1
	ProposalTypeUpdate                 ProposalType = 2
	ProposalTypeRemove                 ProposalType = 3
	ProposalTypePreSharedKey           ProposalType = 4
	ProposalTypeReInit                 ProposalType = 5
	ProposalTypeExternalInit           ProposalType = 6
	ProposalTypeGroupContextExtensions ProposalType = 7
)

// Proposal is the closed sum of proposal variants: its methods are
// unexported, so only this package defines variants. Type switches
// over it are not checked for exhaustiveness by the compiler.
type Proposal interface {
	proposalType() ProposalType
	marshalBody(b *cryptobyte.Builder)
	unmarshalBody(s *cryptobyte.String) error
}

// AddProposal adds the client advertised by a key package.
type AddProposal struct {
	KeyPackage KeyPackage
}

func (*AddProposal) proposalType() ProposalType { return ProposalTypeAdd }
func (p *AddProposal) marshalBody(b *cryptobyte.Builder) {
	p.KeyPackage.marshal(b)
}
func (p *AddProposal) unmarshalBody(s *cryptobyte.String) error {
	return p.KeyPackage.unmarshal(s)
}

// UpdateProposal replaces the sender's leaf node.
type UpdateProposal struct {
	LeafNode LeafNode
}

func (*UpdateProposal) proposalType() ProposalType { return ProposalTypeUpdate }
func (p *UpdateProposal) marshalBody(b *cryptobyte.Builder) {
	p.LeafNode.marshal(b)
}
func (p *UpdateProposal) unmarshalBody(s *cryptobyte.String) error {
	return p.LeafNode.unmarshal(s)
}

// RemoveProposal blanks the leaf at the given index.
type RemoveProposal struct {
	Removed uint32
}

func (*RemoveProposal) proposalType() ProposalType { return ProposalTypeRemove }
func (p *RemoveProposal) marshalBody(b *cryptobyte.Builder) {
	b.AddUint32(p.Removed)
}
func (p *RemoveProposal) unmarshalBody(s *cryptobyte.String) error {
	if !s.ReadUint32(&p.Removed) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// PreSharedKeyProposal injects an external PSK into the key schedule.
type PreSharedKeyProposal struct {
	PskID []byte
}

func (*PreSharedKeyProposal) proposalType() ProposalType { return ProposalTypePreSharedKey }
func (p *PreSharedKeyProposal) marshalBody(b *cryptobyte.Builder) {
	writeOpaqueVec(b, p.PskID)
}
func (p *PreSharedKeyProposal) unmarshalBody(s *cryptobyte.String) error {
	if !readOpaqueVec(s, &p.PskID) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReInitProposal asks the group to re-initialize under new parameters.
type ReInitProposal struct {
	GroupID     []byte
	Version     uint16
	Ciphersuite Ciphersuite
	Extensions  []Extension
}

func (*ReInitProposal) proposalType() ProposalType { return ProposalTypeReInit }
func (p *ReInitProposal) marshalBody(b *cryptobyte.Builder) {
	writeOpaqueVec(b, p.GroupID)
	b.AddUint16(p.Version)
	b.AddUint16(uint16(p.Ciphersuite))
	marshalExtensions(b, p.Extensions)
}
func (p *ReInitProposal) unmarshalBody(s *cryptobyte.String) error {
	var suite uint16
	if !readOpaqueVec(s, &p.GroupID) || !s.ReadUint16(&p.Version) || !s.ReadUint16(&suite) {
		return io.ErrUnexpectedEOF
	}
	p.Ciphersuite = Ciphersuite(suite)
	var err error
	p.Extensions, err = unmarshalExtensions(s)
	return err
}

// ExternalInitProposal carries the KEM output a joiner encapsulated
// against the group's external public key.
type ExternalInitProposal struct {
	KEMOutput []byte
}

func (*ExternalInitProposal) proposalType() ProposalType { return ProposalTypeExternalInit }
func (p *ExternalInitProposal) marshalBody(b *cryptobyte.Builder) {
	writeOpaqueVec(b, p.KEMOutput)
}
func (p *ExternalInitProposal) unmarshalBody(s *cryptobyte.String) error {
	if !readOpaqueVec(s, &p.KEMOutput) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// GroupContextExtensionsProposal replaces the group context extensions.
type GroupContextExtensionsProposal struct {
	Extensions []Extension
}

func (*GroupContextExtensionsProposal) proposalType() ProposalType {
	return ProposalTypeGroupContextExtensions
}
func (p *GroupContextExtensionsProposal) marshalBody(b *cryptobyte.Builder) {
	marshalExtensions(b, p.Extensions)
}
func (p *GroupContextExtensionsProposal) unmarshalBody(s *cryptobyte.String) error {
	var err error
	p.Extensions, err = unmarshalExtensions(s)
	return err
}

func marshalProposal(b *cryptobyte.Builder, p Proposal) {
	b.AddUint16(uint16(p.proposalType()))
	p.marshalBody(b)
}

func unmarshalProposal(s *cryptobyte.String) (Proposal, error) {
	var t uint16
	if !s.ReadUint16(&t) {
		return nil, io.ErrUnexpectedEOF
	}
	var p Proposal
	switch ProposalType(t) {
	case ProposalTypeAdd:
		p = new(AddProposal)
	case ProposalTypeUpdate:
		p = new(UpdateProposal)
	case ProposalTypeRemove:
		p = new(RemoveProposal)
	case ProposalTypePreSharedKey:
		p = new(PreSharedKeyProposal)
	case ProposalTypeReInit:
		p = new(ReInitProposal)
	case ProposalTypeExternalInit:
		p = new(ExternalInitProposal)
	case ProposalTypeGroupContextExtensions:
		p = new(GroupContextExtensionsProposal)
	default:
		return nil, fmt.Errorf("unknown proposal type %d", t)
	}
	if err := p.unmarshalBody(s); err != nil {
		return nil, err
	}
	return p, nil
}

// ProposalRef is a stable hash reference to a proposal sent by value.
type ProposalRef []byte

func makeProposalRef(cs Ciphersuite, p Proposal) (ProposalRef, error) {
	var b cryptobyte.Builder
	writeOpaqueVec8(&b, []byte("MLS 1.0 Proposal Reference"))
	marshalProposal(&b, p)
	data, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("proposal ref: %w", err)
	}
	return cs.hash(data), nil
}

// ProposalOrRef reference types.
type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

// ProposalOrRef is a proposal carried inline in a commit or a
// reference to one held in the proposal store.
type ProposalOrRef struct {
	Type      ProposalOrRefType
	Proposal  Proposal    // when Type == Proposal
	Reference ProposalRef // when Type == Reference
}

func (pr *ProposalOrRef) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(pr.Type))
	switch pr.Type {
	case ProposalOrRefTypeProposal:
		marshalProposal(b, pr.Proposal)
	case ProposalOrRefTypeReference:
		writeOpaqueVec(b, pr.Reference)
	}
}

func (pr *ProposalOrRef) unmarshal(s *cryptobyte.String) error {
	*pr = ProposalOrRef{}
	var t uint8
	if !s.ReadUint8(&t) {
		return io.ErrUnexpectedEOF
	}
	pr.Type = ProposalOrRefType(t)
	switch pr.Type {
	case ProposalOrRefTypeProposal:
		p, err := unmarshalProposal(s)
		if err != nil {
			return err
		}
		pr.Proposal = p
		return nil
	case ProposalOrRefTypeReference:
		var ref []byte
		if !readOpaqueVec(s, &ref) {
			return io.ErrUnexpectedEOF
		}
		pr.Reference = ref
		return nil
	default:
		return fmt.Errorf("unknown proposal-or-ref type %d", t)
	}
}

// QueuedProposal is a proposal together with its sender and how the
// commit referenced it.
type QueuedProposal struct {
	Proposal Proposal
	Sender   Sender
	Ref      ProposalRef
	RefType  ProposalOrRefType
}

// ProposalStore accumulates proposals received by value between
// commits, addressable by their hash reference.
type ProposalStore struct {
	proposals map[string]*QueuedProposal
	order     []string
}

func NewProposalStore() *ProposalStore {
	return &ProposalStore{proposals: make(map[string]*QueuedProposal)}
}

// Add records a proposal; the reference is computed from the wire form.
func (ps *ProposalStore) Add(cs Ciphersuite, p Proposal, sender Sender) (ProposalRef, error) {
	ref, err := makeProposalRef(cs, p)
	if err != nil {
		return nil, err
	}
	key := string(ref)
	if _, ok := ps.proposals[key]; !ok {
		ps.order = append(ps.order, key)
	}
	ps.proposals[key] = &QueuedProposal{
		Proposal: p,
		Sender:   sender,
		Ref:      ref,
		RefType:  ProposalOrRefTypeReference,
	}
	return ref, nil
}

func (ps *ProposalStore) get(ref ProposalRef) (*QueuedProposal, bool) {
	qp, ok := ps.proposals[string(ref)]
	return qp, ok
}

// Empty discards all stored proposals.
func (ps *ProposalStore) Empty() {
	ps.proposals = make(map[string]*QueuedProposal)
	ps.order = nil
}

// Len returns the number of stored proposals.
func (ps *ProposalStore) Len() int { return len(ps.proposals) }

// ProposalQueue is the ordered sequence of proposals covered by a
// commit, in the commit's order.
type ProposalQueue struct {
	queued []*QueuedProposal
}

// proposalQueueFromCommittedProposals resolves each ProposalOrRef of a
// commit: inline proposals are used as-is, references must resolve in
// the store.
func proposalQueueFromCommittedProposals(cs Ciphersuite, list []ProposalOrRef, store *ProposalStore, committer Sender) (*ProposalQueue, error) {
	q := &ProposalQueue{}
	for _, por := range list {
		switch por.Type {
		case ProposalOrRefTypeProposal:
			ref, err := makeProposalRef(cs, por.Proposal)
			if err != nil {
				return nil, err
			}
			q.queued = append(q.queued, &QueuedProposal{
				Proposal: por.Proposal,
				Sender:   committer,
				Ref:      ref,
				RefType:  ProposalOrRefTypeProposal,
			})
		case ProposalOrRefTypeReference:
			qp, ok := store.get(por.Reference)
			if !ok {
				return nil, ErrMissingProposal
			}
			q.queued = append(q.queued, qp)
		default:
			return nil, fmt.Errorf("%w: bad proposal-or-ref type", ErrLibrary)
		}
	}
	return q, nil
}

// QueuedProposals returns the queue in commit order.
func (q *ProposalQueue) QueuedProposals() []*QueuedProposal { return q.queued }

// FilteredByType returns the queued proposals of one type, in order.
func (q *ProposalQueue) FilteredByType(t ProposalType) []*QueuedProposal {
	var out []*QueuedProposal
	for _, qp := range q.queued {
		if qp.Proposal.proposalType() == t {
			out = append(out, qp)
		}
	}
	return out
}

func (q *ProposalQueue) addProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypeAdd)
}

func (q *ProposalQueue) updateProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypeUpdate)
}

func (q *ProposalQueue) removeProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypeRemove)
}

func (q *ProposalQueue) pskProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypePreSharedKey)
}

func (q *ProposalQueue) externalInitProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypeExternalInit)
}

func (q *ProposalQueue) groupContextExtensionProposals() []*QueuedProposal {
	return q.FilteredByType(ProposalTypeGroupContextExtensions)
}
