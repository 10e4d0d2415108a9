// Package crypto provides the coordinator's security primitives: symmetric
// encryption of model blobs at rest, RSA-PSS signing of model artifacts,
// content-address hashing, and bearer token issuance.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// Encrypt encrypts data with AES-256-GCM under the data key. The returned
// ciphertext is self-contained: the nonce is prepended.
func (ks *KeySet) Encrypt(plaintext []byte) ([]byte, error) {
	if ks == nil || len(ks.dataKey) != dataKeyLen {
		return nil, pkgerrors.ErrNotInitialized
	}

	block, err := aes.NewCipher(ks.dataKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Tampered or truncated ciphertexts fail
// authentication.
func (ks *KeySet) Decrypt(ciphertext []byte) ([]byte, error) {
	if ks == nil || len(ks.dataKey) != dataKeyLen {
		return nil, pkgerrors.ErrNotInitialized
	}

	block, err := aes.NewCipher(ks.dataKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Sign produces an RSA-PSS signature over the SHA-256 digest of data.
func (ks *KeySet) Sign(data []byte) ([]byte, error) {
	if ks == nil || ks.private == nil {
		return nil, pkgerrors.ErrNotInitialized
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, ks.private, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}

	return sig, nil
}

// Verify reports whether sig is a valid RSA-PSS signature over data.
func (ks *KeySet) Verify(data, sig []byte) bool {
	if ks == nil || ks.public == nil {
		return false
	}

	digest := sha256.Sum256(data)
	err := rsa.VerifyPSS(ks.public, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})

	return err == nil
}

// Hash returns the hex-encoded SHA-256 of data, used for content addressing
// of model blobs.
func Hash(data []byte) string {
	h := sha256.Sum256(data)

	return hex.EncodeToString(h[:])
}
