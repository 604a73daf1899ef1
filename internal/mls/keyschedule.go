package mls

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// The key schedule is an explicit state machine. Each transition may
// run at most once; intermediate secrets are zeroized as soon as the
// next stage has consumed them, so a misused schedule fails loudly
// instead of re-deriving from stale material.

type keyScheduleState uint8

const (
	keyScheduleStateInitial keyScheduleState = iota
	keyScheduleStateContextBound
	keyScheduleStateConsumed
)

// KeySchedule derives one epoch's secrets from the joiner secret.
type KeySchedule struct {
	suite        Ciphersuite
	state        keyScheduleState
	intermediate []byte
}

// newJoinerSecret is Extract(init_secret_prev, commit_secret).
func newJoinerSecret(cs Ciphersuite, commitSecret, initSecret []byte) []byte {
	return cs.hkdfExtract(initSecret, commitSecret)
}

// welcomeSecret is consumed by the welcome subsystem, which is outside
// this package.
func welcomeSecret(cs Ciphersuite, joinerSecret []byte) []byte {
	return cs.deriveSecret(joinerSecret, "welcome")
}

// initKeySchedule binds the joiner secret and the PSK secret,
// producing the member secret.
func initKeySchedule(cs Ciphersuite, joinerSecret, pskSecret []byte) (*KeySchedule, error) {
	if pskSecret == nil {
		pskSecret = make([]byte, secretSize)
	}
	ks := &KeySchedule{
		suite:        cs,
		state:        keyScheduleStateInitial,
		intermediate: cs.hkdfExtract(joinerSecret, pskSecret),
	}
	return ks, nil
}

// addContext binds the serialized provisional group context, producing
// the epoch secret.
func (ks *KeySchedule) addContext(serializedGroupContext []byte) error {
	if ks.state != keyScheduleStateInitial {
		return fmt.Errorf("%w: add_context in state %d", ErrLibrary, ks.state)
	}
	epochSecret := ks.suite.expandWithLabel(ks.intermediate, "epoch", serializedGroupContext, secretSize)
	zeroize(ks.intermediate)
	ks.intermediate = epochSecret
	ks.state = keyScheduleStateContextBound
	return nil
}

// epochSecrets fans the epoch secret out into the per-purpose secrets
// and consumes the schedule.
func (ks *KeySchedule) epochSecrets() (*EpochSecrets, error) {
	if ks.state != keyScheduleStateContextBound {
		return nil, fmt.Errorf("%w: epoch_secrets in state %d", ErrLibrary, ks.state)
	}
	es := newEpochSecrets(ks.suite, ks.intermediate)
	zeroize(ks.intermediate)
	ks.intermediate = nil
	ks.state = keyScheduleStateConsumed
	return es, nil
}

// EpochSecrets is the full fan-out of one epoch's secret.
type EpochSecrets struct {
	suite Ciphersuite

	SenderDataSecret   []byte
	EncryptionSecret   []byte
	ExporterSecret     []byte
	ExternalSecret     []byte
	ConfirmationKey    []byte
	MembershipKey      []byte
	ResumptionPsk      []byte
	EpochAuthenticator []byte
	InitSecret         []byte
}

func newEpochSecrets(cs Ciphersuite, epochSecret []byte) *EpochSecrets {
	return &EpochSecrets{
		suite:              cs,
		SenderDataSecret:   cs.deriveSecret(epochSecret, "sender data"),
		EncryptionSecret:   cs.deriveSecret(epochSecret, "encryption"),
		ExporterSecret:     cs.deriveSecret(epochSecret, "exporter"),
		ExternalSecret:     cs.deriveSecret(epochSecret, "external"),
		ConfirmationKey:    cs.deriveSecret(epochSecret, "confirm"),
		MembershipKey:      cs.deriveSecret(epochSecret, "membership"),
		ResumptionPsk:      cs.deriveSecret(epochSecret, "resumption"),
		EpochAuthenticator: cs.deriveSecret(epochSecret, "authentication"),
		InitSecret:         cs.deriveSecret(epochSecret, "init"),
	}
}

// split divides the fan-out into the secrets the live group retains
// and the per-epoch message secrets.
func (es *EpochSecrets) split(leaves leafCount) (*GroupEpochSecrets, *MessageSecrets) {
	ges := &GroupEpochSecrets{
		InitSecret:         es.InitSecret,
		ExporterSecret:     es.ExporterSecret,
		ExternalSecret:     es.ExternalSecret,
		ResumptionPsk:      es.ResumptionPsk,
		EpochAuthenticator: es.EpochAuthenticator,
	}
	ms := newMessageSecrets(es.suite, es.SenderDataSecret, es.EncryptionSecret, es.ConfirmationKey, es.MembershipKey, leaves)
	return ges, ms
}

// GroupEpochSecrets is the subset of epoch secrets retained in the
// live group across message traffic.
type GroupEpochSecrets struct {
	InitSecret         []byte
	ExporterSecret     []byte
	ExternalSecret     []byte
	ResumptionPsk      []byte
	EpochAuthenticator []byte
}

// externalKeyPair derives the group's external HPKE keypair from the
// external secret.
func (ges *GroupEpochSecrets) externalKeyPair(cs Ciphersuite) (pub, priv []byte, err error) {
	return cs.deriveHPKEKeyPair(ges.ExternalSecret)
}

func (ges *GroupEpochSecrets) zeroize() {
	zeroize(ges.InitSecret)
	zeroize(ges.ExporterSecret)
	zeroize(ges.ExternalSecret)
	zeroize(ges.ResumptionPsk)
	zeroize(ges.EpochAuthenticator)
}

// pskSecretFromIDs folds the PSKs referenced by a commit into a single
// secret by chained extraction in queue order. With no PSKs the secret
// is the all-zero string.
func pskSecretFromIDs(cs Ciphersuite, pskIDs [][]byte, lookup func(id []byte) ([]byte, error)) ([]byte, error) {
	secret := make([]byte, secretSize)
	for _, id := range pskIDs {
		psk, err := lookup(id)
		if err != nil {
			return nil, fmt.Errorf("psk %x: %w", id, err)
		}
		input := cs.expandWithLabel(cs.hkdfExtract(nil, psk), "derived psk", id, secretSize)
		secret = cs.hkdfExtract(secret, input)
	}
	return secret, nil
}

// zeroCommitSecret is used when a commit carries no path and none was
// required.
func zeroCommitSecret() []byte {
	return make([]byte, secretSize)
}

// externalInitEncaps encapsulates fresh entropy against a group's
// external public key; the KEM output travels in an ExternalInit
// proposal and the returned secret replaces the previous init secret.
func externalInitEncaps(cs Ciphersuite, externalPub []byte) (kemOutput, initSecret []byte, err error) {
	ephPriv, err := randomBytes(kemKeySize)
	if err != nil {
		return nil, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, externalPub)
	if err != nil {
		return nil, nil, fmt.Errorf("ecdh: %w", err)
	}
	return ephPub, externalInitSecret(cs, shared, ephPub, externalPub), nil
}

// externalInitDecaps recovers the init secret from an ExternalInit
// proposal's KEM output using the external private key.
func externalInitDecaps(cs Ciphersuite, externalPriv, kemOutput []byte) ([]byte, error) {
	externalPub, err := curve25519.X25519(externalPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	shared, err := curve25519.X25519(externalPriv, kemOutput)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return externalInitSecret(cs, shared, kemOutput, externalPub), nil
}

func externalInitSecret(cs Ciphersuite, shared, ephPub, externalPub []byte) []byte {
	kemContext := append(dup(ephPub), externalPub...)
	return cs.expandWithLabel(cs.hkdfExtract(kemContext, shared), "external init", nil, secretSize)
}
