// Package cryptox implements the credential sealing used on the wire and the
// password hashing used at rest.
//
// Credentials are sealed to the server's static X25519 public key with a
// fresh ephemeral key per message (a sealed box): the ciphertext layout is
// ephemeral public key || nonce || XChaCha20-Poly1305 box. Only the holder of
// the matching private key can open it, and two seals of the same plaintext
// never produce the same ciphertext.
package cryptox

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mkaverin/tether/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 keys in bytes.
const KeySize = 32

// Codec turns plaintext credential material into transport-safe ciphertext.
// The handshake depends only on this interface so it can be exercised with a
// fake implementation.
type Codec interface {
	Encode(ctx context.Context, plaintext []byte) ([]byte, error)
}

// SealedBox is the Codec used in production. It seals to a single static
// peer public key.
type SealedBox struct {
	peerPub [KeySize]byte
}

// NewSealedBox builds a SealedBox sealing to the given X25519 public key.
func NewSealedBox(peerPub []byte) (*SealedBox, error) {
	if len(peerPub) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", common.ErrEncoding, KeySize, len(peerPub))
	}
	sb := &SealedBox{}
	copy(sb.peerPub[:], peerPub)
	return sb, nil
}

// Encode seals plaintext for the peer. Failures wrap common.ErrEncoding and
// are fatal to the current handshake attempt only.
func (s *SealedBox) Encode(_ context.Context, plaintext []byte) ([]byte, error) {
	ephPriv := make([]byte, KeySize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}

	key, err := sharedKey(ephPriv, s.peerPub[:], ephPub, s.peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Opener opens sealed boxes with the static private key. Server-side
// counterpart of SealedBox.
type Opener struct {
	priv [KeySize]byte
	pub  [KeySize]byte
}

// NewOpener builds an Opener from an X25519 private key.
func NewOpener(priv []byte) (*Opener, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	o := &Opener{}
	copy(o.priv[:], priv)
	copy(o.pub[:], pub)
	return o, nil
}

// PublicKey returns the public key matching the opener's private key.
func (o *Opener) PublicKey() []byte {
	pub := make([]byte, KeySize)
	copy(pub, o.pub[:])
	return pub
}

// Open decrypts a sealed box produced by SealedBox.Encode.
func (o *Opener) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < KeySize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	ephPub := ciphertext[:KeySize]
	nonce := ciphertext[KeySize : KeySize+chacha20poly1305.NonceSizeX]
	box := ciphertext[KeySize+chacha20poly1305.NonceSizeX:]

	key, err := sharedKey(o.priv[:], ephPub, ephPub, o.pub[:])
	if err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("open box: %w", err)
	}
	return plaintext, nil
}

// sharedKey derives the symmetric key from the DH secret bound to both
// public keys, so a ciphertext cannot be re-targeted to another recipient.
func sharedKey(priv, peerPub, ephPub, staticPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(secret)
	h.Write(ephPub)
	h.Write(staticPub)
	return h.Sum(nil), nil
}
