package socket

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Obfuscator turns payloads into an opaque text form and back once the peer
// has negotiated it. It makes no confidentiality claims.
type Obfuscator interface {
	Obfuscate(plain string) (string, error)
	Deobfuscate(wire string) (string, error)
}

const (
	obfuscationVersion byte = 1

	argon2Time    = 1
	argon2Memory  = 16 * 1024
	argon2Threads = 2
	argon2KeyLen  = chacha20poly1305.KeySize
)

// Both ends derive the same key from the passphrase, so the salt is fixed.
var obfuscationSalt = []byte("torrelay.socket.v1")

var errShortPayload = errors.New("obfuscated payload too short")

// PassphraseObfuscator seals payloads with XChaCha20-Poly1305 under a key
// derived from a shared passphrase. Wire form: base64(version | nonce | box).
type PassphraseObfuscator struct {
	key []byte
}

// NewPassphraseObfuscator derives the key once; Obfuscate and Deobfuscate
// are then cheap and safe for concurrent use.
func NewPassphraseObfuscator(passphrase string) (*PassphraseObfuscator, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := argon2.IDKey([]byte(passphrase), obfuscationSalt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return &PassphraseObfuscator{key: key}, nil
}

func (o *PassphraseObfuscator) Obfuscate(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(o.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plain)+aead.Overhead())
	out[0] = obfuscationVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plain), []byte{obfuscationVersion})

	return base64.StdEncoding.EncodeToString(out), nil
}

func (o *PassphraseObfuscator) Deobfuscate(wire string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated payload: %w", err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", errShortPayload
	}
	if raw[0] != obfuscationVersion {
		return "", fmt.Errorf("obfuscated payload version %d is not supported", raw[0])
	}

	aead, err := chacha20poly1305.NewX(o.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], []byte{obfuscationVersion})
	if err != nil {
		return "", fmt.Errorf("opening obfuscated payload: %w", err)
	}
	return string(plain), nil
}
