// This package provides the primitives used by the group protocols: sealed
// wrapping of rotated encryption key pairs for individual members, and the
// per-community blinded alias derivation.
package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	if len(b) != 32 {
		panic("key is wrong length")
	}
	return nacl.Key(b)
}

// Generate a Curve25519 key pair. Used both for legacy group identities and
// for the rotating group encryption keys.
func GenerateKeyPair() (pub, priv []byte, err error) {
	pubKey, privKey, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pubKey[:], privKey[:], nil
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal a serialized key pair for a single member. An ephemeral key is
// generated per wrapper and prepended to the ciphertext, so only the member
// holding the matching private key can unwrap it.
func WrapForMember(plaintext, memberPublicKey []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	shared := box.Precompute(SliceToKey(memberPublicKey), ephPriv)
	enc, err := EncryptWithKey(shared[:], plaintext, ephPub[:])
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], enc...), nil
}

func UnwrapForMember(wrapped, memberPrivateKey []byte) ([]byte, error) {
	if len(wrapped) < 32 {
		return nil, fmt.Errorf("crypto: wrapped key pair too short")
	}
	ephPub := wrapped[0:32]
	shared := box.Precompute(SliceToKey(ephPub), SliceToKey(memberPrivateKey))
	return DecryptWithKey(shared[:], wrapped[32:], ephPub)
}

// Derive the blinded alias key used within a single community. The scalar is
// bound to both the community server key and the user's signing key, so the
// same user presents a different id on every server.
func BlindedKey(ed25519SecretKey, serverPublicKey []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(serverPublicKey); err != nil {
		return nil, err
	}
	if _, err := h.Write(ed25519SecretKey); err != nil {
		return nil, err
	}
	k := h.Sum(nil)
	// clamp per curve25519 convention
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	blinded := scalarmult.Base(SliceToKey(k))
	return blinded[:], nil
}

func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return b
}
