// Package keys owns the deployment's RSA signing keypair.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	apierrors "licensor/internal/errors"
	"licensor/internal/files"
)

// DefaultKeyBits is the RSA modulus size for generated keys
const DefaultKeyBits = 2048

const (
	privatePEMType = "PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"
)

// Manager loads and lazily generates the keypair. The private key never
// leaves this process; only the public half is exported.
type Manager struct {
	privatePath string
	publicPath  string
	bits        int
	logger      *slog.Logger

	mu      sync.RWMutex
	private *rsa.PrivateKey
	public  *rsa.PublicKey

	group singleflight.Group
}

// Option configures a Manager
type Option func(*Manager)

// WithKeySize overrides the RSA modulus size
func WithKeySize(bits int) Option {
	return func(m *Manager) { m.bits = bits }
}

// NewManager creates a key manager for the given PEM paths
func NewManager(privatePath, publicPath string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		privatePath: privatePath,
		publicPath:  publicPath,
		bits:        DefaultKeyBits,
		logger:      logger.With(slog.String("component", "key_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureKeyPair returns the keypair, generating and persisting it on first use.
// Concurrent first-use calls share a single generation.
func (m *Manager) EnsureKeyPair(ctx context.Context) (*rsa.PrivateKey, error) {
	if key := m.cachedPrivate(); key != nil {
		return key, nil
	}

	v, err, shared := m.group.Do("ensure", func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.private != nil {
			return m.private, nil
		}

		key, err := m.readPrivate()
		switch {
		case err == nil:
			m.setKeys(key)
			if err := m.repairPublic(key); err != nil {
				return nil, err
			}
			return key, nil
		case !errors.Is(err, apierrors.ErrKeyNotFound):
			return nil, err
		}

		m.logger.InfoContext(ctx, "generating signing keypair", slog.Int("bits", m.bits))
		key, err = rsa.GenerateKey(rand.Reader, m.bits)
		if err != nil {
			return nil, apierrors.NewCryptoError("generate rsa key", err)
		}
		if err := m.persist(key); err != nil {
			return nil, err
		}
		m.setKeys(key)
		m.logger.InfoContext(ctx, "signing keypair generated",
			slog.String("fingerprint", fingerprint(&key.PublicKey)))
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.DebugContext(ctx, "key generation shared with concurrent caller")
	}
	return v.(*rsa.PrivateKey), nil
}

// LoadPrivateKey returns the private key or ErrKeyNotFound. It never generates.
func (m *Manager) LoadPrivateKey() (*rsa.PrivateKey, error) {
	if key := m.cachedPrivate(); key != nil {
		return key, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.readPrivate()
	if err != nil {
		return nil, err
	}
	m.setKeys(key)
	return key, nil
}

// LoadPublicKey returns the public key or ErrKeyNotFound. It never generates.
func (m *Manager) LoadPublicKey() (*rsa.PublicKey, error) {
	m.mu.RLock()
	pub := m.public
	m.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	data, err := os.ReadFile(m.publicPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("public key %s: %w", m.publicPath, apierrors.ErrKeyNotFound)
		}
		return nil, apierrors.NewStorageError("read public key", err)
	}
	pub, err = parsePublicPEM(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.public = pub
	m.mu.Unlock()
	return pub, nil
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	pub, err := m.LoadPublicKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, apierrors.NewCryptoError("marshal public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der}), nil
}

// Fingerprint returns a short SHA-256 fingerprint of the public key
func (m *Manager) Fingerprint() (string, error) {
	pub, err := m.LoadPublicKey()
	if err != nil {
		return "", err
	}
	return fingerprint(pub), nil
}

// Exists reports whether the private key is present on disk or in memory
func (m *Manager) Exists() bool {
	if m.cachedPrivate() != nil {
		return true
	}
	_, err := os.Stat(m.privatePath)
	return err == nil
}

func (m *Manager) cachedPrivate() *rsa.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.private
}

func (m *Manager) setKeys(key *rsa.PrivateKey) {
	m.private = key
	m.public = &key.PublicKey
}

func (m *Manager) readPrivate() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(m.privatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("private key %s: %w", m.privatePath, apierrors.ErrKeyNotFound)
		}
		return nil, apierrors.NewStorageError("read private key", err)
	}
	return parsePrivatePEM(data)
}

// repairPublic rewrites public.pem when it is missing or does not match the private key.
func (m *Manager) repairPublic(key *rsa.PrivateKey) error {
	data, err := os.ReadFile(m.publicPath)
	if err == nil {
		if pub, perr := parsePublicPEM(data); perr == nil && pub.Equal(&key.PublicKey) {
			return nil
		}
	}
	m.logger.Warn("public key missing or mismatched, rewriting from private key",
		slog.String("path", m.publicPath))
	pubPEM, err := encodePublic(&key.PublicKey)
	if err != nil {
		return err
	}
	return writeAtomic(m.publicPath, pubPEM, 0o644)
}

func (m *Manager) persist(key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return apierrors.NewCryptoError("marshal private key", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: der})
	pubPEM, err := encodePublic(&key.PublicKey)
	if err != nil {
		return err
	}

	// a private key on disk always has its public half already written
	if err := writeAtomic(m.publicPath, pubPEM, 0o644); err != nil {
		return err
	}
	return writeAtomic(m.privatePath, privPEM, 0o600)
}

func encodePublic(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, apierrors.NewCryptoError("marshal public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: der}), nil
}

func parsePrivatePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apierrors.NewCryptoError("decode private key pem", errors.New("no PEM block"))
	}

	var parsed any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, apierrors.NewCryptoError("parse private key", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, apierrors.NewCryptoError("parse private key", fmt.Errorf("unexpected key type %T", parsed))
	}
	return key, nil
}

func parsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apierrors.NewCryptoError("decode public key pem", errors.New("no PEM block"))
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apierrors.NewCryptoError("parse public key", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, apierrors.NewCryptoError("parse public key", fmt.Errorf("unexpected key type %T", parsed))
	}
	return pub, nil
}

func fingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16]
}

// writeAtomic persists key material, wrapping failures as storage errors.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierrors.NewStorageError("create key directory", err)
	}
	if err := files.WriteAtomic(path, data, perm); err != nil {
		return apierrors.NewStorageError("write key file", err)
	}
	return nil
}
