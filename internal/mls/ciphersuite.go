package mls

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Ciphersuite identifies a fixed tuple of KEM, KDF, AEAD, signature
// scheme and hash, with the parameter sizes below.
type Ciphersuite uint16

const (
	// CiphersuiteX25519ChaCha20SHA256Ed25519 is
	// MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519.
	CiphersuiteX25519ChaCha20SHA256Ed25519 Ciphersuite = 0x0003
)

const (
	hashSize   = sha256.Size
	secretSize = sha256.Size
	aeadKeySize   = chacha20poly1305.KeySize
	aeadNonceSize = chacha20poly1305.NonceSize
	kemKeySize    = 32
)

// ProtocolVersion is the MLS protocol version.
type ProtocolVersion uint16

// ProtocolVersionMLS10 is MLS 1.0.
const ProtocolVersionMLS10 ProtocolVersion = 1

func (cs Ciphersuite) String() string {
	switch cs {
	case CiphersuiteX25519ChaCha20SHA256Ed25519:
		return "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(cs))
	}
}

func (cs Ciphersuite) hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (cs Ciphersuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// hkdfExpand runs HKDF-Expand. One expansion yields at most 255 hash
// blocks; longer outputs continue with further expansions whose info
// is suffixed by a one-byte block counter.
func (cs Ciphersuite) hkdfExpand(prk, info []byte, length int) []byte {
	const maxBlock = 255 * hashSize
	out := make([]byte, length)
	for off, n := 0, 0; off < length; off, n = off+maxBlock, n+1 {
		blockInfo := info
		if n > 0 {
			blockInfo = append(append([]byte(nil), info...), byte(n))
		}
		end := min(off+maxBlock, length)
		if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, blockInfo), out[off:end]); err != nil {
			panic(fmt.Sprintf("hkdf expand: %v", err))
		}
	}
	return out
}

// expandWithLabel implements ExpandWithLabel(Secret, Label, Context, Length)
// with the "MLS 1.0 " label prefix.
func (cs Ciphersuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	writeOpaqueVec8(&b, []byte("MLS 1.0 "+label))
	writeOpaqueVec(&b, context)
	info, err := b.Bytes()
	if err != nil {
		panic(fmt.Sprintf("kdf label: %v", err))
	}
	return cs.hkdfExpand(secret, info, length)
}

// deriveSecret is ExpandWithLabel with an empty context and hash-length output.
func (cs Ciphersuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, nil, secretSize)
}

// deriveHPKEKeyPair derives an X25519 keypair from input key material.
func (cs Ciphersuite) deriveHPKEKeyPair(ikm []byte) (pub, priv []byte, err error) {
	priv = cs.expandWithLabel(ikm, "dkp", nil, kemKeySize)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive keypair: %w", err)
	}
	return pub, priv, nil
}

func (cs Ciphersuite) generateHPKEKeyPair() (pub, priv []byte, err error) {
	ikm := make([]byte, secretSize)
	if _, err := rand.Read(ikm); err != nil {
		return nil, nil, fmt.Errorf("generate keypair seed: %w", err)
	}
	return cs.deriveHPKEKeyPair(ikm)
}

// hpkeSeal encrypts plaintext to an X25519 public key:
//
//	1. Generate ephemeral X25519 keypair (the KEM output is its public key)
//	2. ECDH: shared = X25519(ephPriv, recipientPub)
//	3. KDF:  key/nonce = ExpandWithLabel(Extract(ephPub||pk, shared), ...)
//	4. AEAD: ChaCha20-Poly1305(key, nonce, aad, plaintext)
func (cs Ciphersuite) hpkeSeal(pk, info, aad, plaintext []byte) (kemOutput, ciphertext []byte, err error) {
	ephPriv := make([]byte, kemKeySize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, pk)
	if err != nil {
		return nil, nil, fmt.Errorf("ecdh: %w", err)
	}
	key, nonce := cs.hpkeSchedule(shared, ephPub, pk, info)
	ct, err := cs.aeadSeal(key, nonce, aad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ephPub, ct, nil
}

// hpkeOpen reverses hpkeSeal given the recipient's private key.
func (cs Ciphersuite) hpkeOpen(sk, kemOutput, info, aad, ciphertext []byte) ([]byte, error) {
	if len(kemOutput) != kemKeySize {
		return nil, fmt.Errorf("kem output must be %d bytes", kemKeySize)
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	shared, err := curve25519.X25519(sk, kemOutput)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key, nonce := cs.hpkeSchedule(shared, kemOutput, pk, info)
	return cs.aeadOpen(key, nonce, aad, ciphertext)
}

func (cs Ciphersuite) hpkeSchedule(shared, ephPub, pk, info []byte) (key, nonce []byte) {
	kemContext := append(append([]byte(nil), ephPub...), pk...)
	prk := cs.hkdfExtract(kemContext, shared)
	key = cs.expandWithLabel(prk, "hpke key", info, aeadKeySize)
	nonce = cs.expandWithLabel(prk, "hpke nonce", info, aeadNonceSize)
	return key, nonce
}

func (cs Ciphersuite) aeadSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (cs Ciphersuite) aeadOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAead
	}
	return pt, nil
}

func (cs Ciphersuite) sign(sk ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(sk, message)
}

func (cs Ciphersuite) verify(pk, message, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), message, sig)
}

func (cs Ciphersuite) mac(key, message []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(message)
	return m.Sum(nil)
}

func (cs Ciphersuite) macVerify(key, message, tag []byte) bool {
	return hmac.Equal(cs.mac(key, message), tag)
}

func randomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return out, nil
}

// zeroize overwrites secret key material in place.
func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func dup(data []byte) []byte {
	return append([]byte(nil), data...)
}
