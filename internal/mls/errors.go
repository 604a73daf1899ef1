package mls

import "errors"

// Framing and plaintext validation errors. These are recoverable: the
// caller can drop the offending message without touching group state.
var (
	ErrWrongGroupId                  = errors.New("message group id does not match")
	ErrWrongEpoch                    = errors.New("message epoch out of bounds")
	ErrUnknownMember                 = errors.New("sender is not a member of the group")
	ErrUnencryptedApplicationMessage = errors.New("application message was not encrypted")
	ErrNonMemberApplicationMessage   = errors.New("application message from non-member")
	ErrMissingConfirmationTag        = errors.New("commit without confirmation tag")
)

// Proposal validation errors (ValSem100 series).
var (
	ErrDuplicateIdentityAddProposal     = errors.New("duplicate identity in add proposals")
	ErrDuplicateSignatureKeyAddProposal = errors.New("duplicate signature key in add proposals")
	ErrDuplicatePublicKeyAddProposal    = errors.New("duplicate init key in add proposals")
	ErrExistingIdentityAddProposal      = errors.New("add proposal identity already in group")
	ErrExistingSignatureKeyAddProposal  = errors.New("add proposal signature key already in group")
	ErrExistingPublicKeyAddProposal     = errors.New("add proposal init key already in group")
	ErrInsufficientCapabilities         = errors.New("key package does not meet group capabilities")
	ErrDuplicateMemberRemoval           = errors.New("duplicate leaf index in remove proposals")
	ErrUnknownMemberRemoval             = errors.New("remove proposal targets unoccupied leaf")
	ErrUpdateFromNonMember              = errors.New("update proposal from non-member")
	ErrCommitterIncludedOwnUpdate       = errors.New("committer included own update proposal")
	ErrUpdateProposalIdentityMismatch   = errors.New("update proposal changes identity")
	ErrExistingPublicKeyUpdateProposal  = errors.New("update proposal reuses an encryption key")
)

// External commit validation errors (ValSem240 series).
var (
	ErrNoExternalInitProposals       = errors.New("external commit without external init proposal")
	ErrMultipleExternalInitProposals = errors.New("external commit with multiple external init proposals")
	ErrInvalidInlineProposals        = errors.New("external commit carries a disallowed inline proposal")
	ErrInvalidRemoveProposal         = errors.New("external commit remove does not match path identity")
)

// Commit staging errors. Any of these discards the in-flight staged
// commit and leaves the live group untouched.
var (
	ErrEpochMismatch                      = errors.New("commit epoch does not match group epoch")
	ErrWrongPlaintextContentType          = errors.New("plaintext does not carry a commit")
	ErrConfirmationTagMissing             = errors.New("confirmation tag missing")
	ErrMissingProposal                    = errors.New("referenced proposal not in store")
	ErrOwnKeyNotFound                     = errors.New("own key material for proposal not found")
	ErrMissingOwnKeyPackage               = errors.New("no key package bundle matching own commit path")
	ErrPathKeyPackageVerificationFailure  = errors.New("update path leaf node signature invalid")
	ErrRequiredPathNotFound               = errors.New("commit requires a path but carries none")
	ErrInitSecretNotFound                 = errors.New("previous init secret unavailable")
	ErrConfirmationTagMismatch            = errors.New("confirmation tag mismatch")
)

// Tree errors.
var (
	ErrLeafNotInTree       = errors.New("leaf index outside the tree")
	ErrParentHashMismatch  = errors.New("parent hash chain broken")
	ErrEmptyResolution     = errors.New("empty resolution for path encryption")
	ErrPathDecryptionFailed = errors.New("no decryptable ciphertext on update path")
)

// Message decryption errors.
var (
	ErrTooDistantInThePast   = errors.New("epoch older than the retained window")
	ErrUnknownSender         = errors.New("ciphertext sender unknown")
	ErrAead                  = errors.New("aead open failed")
	ErrGenerationTooOld      = errors.New("ratchet generation already consumed")
	ErrGenerationTooFarAhead = errors.New("ratchet generation too far ahead")
)

// Exporter errors.
var ErrKeyLengthTooLong = errors.New("exported key length exceeds 2^16-1")

// ErrLibrary marks an unrecoverable invariant breach. Operations that
// should be total return this instead of panicking.
var ErrLibrary = errors.New("library invariant breached")
