// Package crypto is the crypto façade: a named System per suite providing
// sign/verify, Diffie-Hellman, AEAD, keyed hash, and nonce generation. The
// rest of the core never touches crypto/ed25519 or golang.org/x/crypto
// directly; everything goes through a System looked up by CryptoKind.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/kyanha/overlaynode/internal/types"
)

const (
	NonceLength     = chacha20poly1305.NonceSizeX
	PublicKeyLength = 32
	SecretKeyLength = 32
	SignatureLength = ed25519.SignatureSize // 64
)

var ErrVerifyFailed = errors.New("crypto: signature verification failed")

// System is the per-suite crypto surface every component consumes.
type System interface {
	Kind() types.CryptoKind

	GenerateKeyPair() (pub [32]byte, secret [32]byte, err error)
	Sign(secret [32]byte, pub [32]byte, data []byte) ([]byte, error)
	Verify(pub [32]byte, data []byte, sig []byte) error

	// DH computes a shared secret between our secret key and their public key.
	DH(secret [32]byte, theirPublic [32]byte) ([32]byte, error)

	// AEAD encrypts/decrypts using a key derived from a DH shared secret
	// (or any other 32-byte key material) plus a random nonce.
	AEADEncrypt(key [32]byte, nonce []byte, plaintext, associatedData []byte) []byte
	AEADDecrypt(key [32]byte, nonce []byte, ciphertext, associatedData []byte) ([]byte, error)

	// RandomNonce returns a fresh AEAD nonce of NonceLength bytes.
	RandomNonce() ([]byte, error)

	// KeyedHash produces a domain-separated digest, e.g. for op-id derivation.
	KeyedHash(key []byte, data ...[]byte) [32]byte
}

// vld0System is the sole suite implemented here: ed25519 signatures,
// X25519 DH, XChaCha20-Poly1305 AEAD, keyed BLAKE3 hashing.
type vld0System struct{}

// NewVLD0 returns the "VLD0" crypto system.
func NewVLD0() System { return vld0System{} }

func (vld0System) Kind() types.CryptoKind { return types.CryptoKindVLD0 }

// GenerateKeyPair generates a fresh ed25519 keypair. The TypedKey public
// value IS the ed25519 public key directly, so Verify never needs anything
// beyond the bytes a peer already publishes; the "secret" is the ed25519
// seed, from which DH additionally derives a Curve25519 scalar (see DH).
func (vld0System) GenerateKeyPair() (pub [32]byte, secret [32]byte, err error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err = rand.Read(seed); err != nil {
		return pub, secret, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	copy(secret[:], seed)
	return pub, secret, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Sign signs data with the ed25519 private key expanded from secret (an
// ed25519 seed). pub is accepted for symmetry with the System interface
// and for callers that want to assert it matches the derived public key,
// but is not itself consumed by signing.
func (vld0System) Sign(secret [32]byte, pub [32]byte, data []byte) ([]byte, error) {
	priv := ed25519.NewKeyFromSeed(secret[:])
	return ed25519.Sign(priv, data), nil
}

func (vld0System) Verify(pub [32]byte, data []byte, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return ErrVerifyFailed
	}
	if !ed25519.Verify(pub[:], data, sig) {
		return ErrVerifyFailed
	}
	return nil
}

// x25519ScalarFromSeed expands an ed25519 seed into the clamped Curve25519
// scalar ed25519 itself uses internally to multiply the Edwards basepoint
// (SHA-512 digest, low half, clamped). Because the Montgomery and Edwards
// curves are birationally equivalent and the map commutes with scalar
// multiplication, this scalar against the Montgomery basepoint produces
// the X25519 public key matching the ed25519 public key's conversion via
// edwardsPubToMontgomeryU, the standard ed25519-to-curve25519 bridge
// libsodium ships as crypto_sign_ed25519_*_to_curve25519.
func x25519ScalarFromSeed(seed [32]byte) [32]byte {
	h := sha512.Sum512(seed[:])
	var scalar [32]byte
	copy(scalar[:], h[:32])
	clamp(&scalar)
	return scalar
}

// curve25519FieldPrime is 2^255 - 19, the field Curve25519/ed25519 share.
var curve25519FieldPrime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// edwardsPubToMontgomeryU converts an ed25519 public key (an Edwards point)
// to its Curve25519 u-coordinate via u = (1+y)/(1-y) mod p. The conversion
// only needs the Edwards y-coordinate (the encoded public key with its
// sign bit cleared); the sign bit affects the Montgomery v-coordinate only,
// which X25519 never uses. This lets any peer derive a DH-usable
// Curve25519 public key from the ed25519 public key it already publishes,
// with no access to the corresponding private key required.
func edwardsPubToMontgomeryU(edPub [32]byte) [32]byte {
	yBytes := make([]byte, 32)
	copy(yBytes, edPub[:])
	yBytes[31] &= 0x7f // clear the sign bit; irrelevant to u

	y := leBytesToBigInt(yBytes)
	p := curve25519FieldPrime
	one := big.NewInt(1)

	num := new(big.Int).Mod(new(big.Int).Add(one, y), p)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), p)
	denInv := new(big.Int).Exp(den, new(big.Int).Sub(p, big.NewInt(2)), p)
	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), p)

	return bigIntToLEBytes32(u)
}

func leBytesToBigInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLEBytes32(n *big.Int) [32]byte {
	be := n.FillBytes(make([]byte, 32))
	var out [32]byte
	for i, b := range be {
		out[31-i] = b
	}
	return out
}

// DH computes a Curve25519 shared secret between our ed25519-seed-derived
// scalar and the peer's ed25519 public key converted to its Curve25519
// u-coordinate, so the same 32-byte identity keys that sign and verify
// envelopes also agree on a DH secret for AEAD body encryption.
func (vld0System) DH(secret [32]byte, theirPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	scalar := x25519ScalarFromSeed(secret)
	theirU := edwardsPubToMontgomeryU(theirPublic)
	shared, err := curve25519.X25519(scalar[:], theirU[:])
	if err != nil {
		return out, fmt.Errorf("crypto: dh failed: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// DHToAEADKey expands a raw DH shared secret into an AEAD key via HKDF-SHA256,
// domain-separated by info so distinct protocol layers never reuse a key.
func DHToAEADKey(shared [32]byte, info string) [32]byte {
	var out [32]byte
	h := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	_, _ = h.Read(out[:])
	return out
}

func (vld0System) AEADEncrypt(key [32]byte, nonce []byte, plaintext, associatedData []byte) []byte {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		panic("crypto: invalid AEAD key length") // invariant: key is always 32 bytes
	}
	return aead.Seal(nil, nonce, plaintext, associatedData)
}

func (vld0System) AEADDecrypt(key [32]byte, nonce []byte, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead open failed: %w", err)
	}
	return pt, nil
}

func (vld0System) RandomNonce() ([]byte, error) {
	n := make([]byte, NonceLength)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (vld0System) KeyedHash(key []byte, data ...[]byte) [32]byte {
	k := blake3.Sum256(key)
	h := blake3.New(32, k[:])
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Registry looks up a System by CryptoKind. At most one suite is wired
// by this core (VLD0), but the type exists so callers never special-case
// a single suite inline; future suites register here.
type Registry struct {
	systems map[types.CryptoKind]System
}

func NewRegistry(systems ...System) *Registry {
	r := &Registry{systems: make(map[types.CryptoKind]System, len(systems))}
	for _, s := range systems {
		r.systems[s.Kind()] = s
	}
	return r
}

func (r *Registry) Get(kind types.CryptoKind) (System, bool) {
	s, ok := r.systems[kind]
	return s, ok
}

func (r *Registry) Kinds() []types.CryptoKind {
	out := make([]types.CryptoKind, 0, len(r.systems))
	for k := range r.systems {
		out = append(out, k)
	}
	return out
}

func DefaultRegistry() *Registry {
	return NewRegistry(NewVLD0())
}
