package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

const (
	privateKeyFile = "private_key.pem"
	publicKeyFile  = "public_key.pem"
	jwtSecretFile  = "jwt_secret.key"
	dataKeyFile    = "encryption.key"
	saltFile       = "salt"

	rsaKeyBits  = 2048
	dataKeyLen  = 32
	saltLen     = 16
	keyFileMode = os.FileMode(0o600)
	keyDirMode  = os.FileMode(0o700)
)

// KeySet holds the server key material: an RSA keypair for signing model
// artifacts, a symmetric data key for encrypting blobs at rest, the JWT
// secret, and a salt. Key material is loaded once and read-only thereafter.
type KeySet struct {
	private   *rsa.PrivateKey
	public    *rsa.PublicKey
	jwtSecret []byte
	dataKey   []byte
	salt      []byte
}

// Load reads an existing key set from dir. It returns ErrNotInitialized if
// any of the five key files is missing.
func Load(dir string) (*KeySet, error) {
	for _, name := range []string{privateKeyFile, publicKeyFile, jwtSecretFile, dataKeyFile, saltFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("%w: missing %s", pkgerrors.ErrNotInitialized, name)
		}
	}

	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("malformed private key PEM")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := privAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}

	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, err
	}
	block, _ = pem.Decode(pubPEM)
	if block == nil {
		return nil, errors.New("malformed public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}

	jwtSecret, err := os.ReadFile(filepath.Join(dir, jwtSecretFile))
	if err != nil {
		return nil, err
	}
	dataKey, err := os.ReadFile(filepath.Join(dir, dataKeyFile))
	if err != nil {
		return nil, err
	}
	if len(dataKey) != dataKeyLen {
		return nil, fmt.Errorf("data key must be %d bytes, got %d", dataKeyLen, len(dataKey))
	}
	salt, err := os.ReadFile(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}

	return &KeySet{
		private:   priv,
		public:    pub,
		jwtSecret: jwtSecret,
		dataKey:   dataKey,
		salt:      salt,
	}, nil
}

// Generate creates any missing key files in dir and returns the full key
// set. Existing material is never overwritten, so repeated invocations are
// idempotent.
func Generate(dir string) (*KeySet, error) {
	if err := os.MkdirAll(dir, keyDirMode); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)
	if !fileExists(privPath) || !fileExists(pubPath) {
		if err := generateKeypair(privPath, pubPath); err != nil {
			return nil, err
		}
	}

	if err := generateSecretFile(filepath.Join(dir, jwtSecretFile), dataKeyLen); err != nil {
		return nil, err
	}
	if err := generateSecretFile(filepath.Join(dir, dataKeyFile), dataKeyLen); err != nil {
		return nil, err
	}
	if err := generateSecretFile(filepath.Join(dir, saltFile), saltLen); err != nil {
		return nil, err
	}

	return Load(dir)
}

func generateKeypair(privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, keyFileMode); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, keyFileMode); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

func generateSecretFile(path string, n int) error {
	if fileExists(path) {
		return nil
	}

	secret := make([]byte, n)
	if _, err := rand.Read(secret); err != nil {
		return err
	}

	if err := os.WriteFile(path, secret, keyFileMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// PublicKeyPEM returns the PEM-encoded server public key for distribution to
// enrolled clients.
func (ks *KeySet) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(ks.public)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
