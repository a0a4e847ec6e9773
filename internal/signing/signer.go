// Package signing produces and checks license signatures.
//
// Exactly one scheme is used per deployment: RSASSA-PKCS1-v1_5 over the
// SHA-256 digest of the canonical encoding of the license, hex encoded.
// Signer and verifier share the canonical encoder so the signed bytes and
// the verified bytes can never diverge.
package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"licensor/internal/canonical"
	apierrors "licensor/internal/errors"
	"licensor/pkg/contracts/domain"
)

// Algorithm identifies hash and padding so independent verifiers pick the matching scheme.
const Algorithm = "RSA-PKCS1v1.5-SHA256"

// Verification reasons reported alongside a false result.
const (
	ReasonValid             = "valid"
	ReasonMissingLicense    = "missing_license"
	ReasonMissingSignature  = "missing_signature"
	ReasonAlgMismatch       = "alg_mismatch"
	ReasonMalformedDocument = "malformed_document"
	ReasonMalformedLicense  = "malformed_license"
	ReasonMalformedHex      = "malformed_signature"
	ReasonKeyUnavailable    = "key_unavailable"
	ReasonMismatch          = "signature_mismatch"
)

// KeySource provides key material. *keys.Manager satisfies it.
type KeySource interface {
	EnsureKeyPair(ctx context.Context) (*rsa.PrivateKey, error)
	LoadPublicKey() (*rsa.PublicKey, error)
}

// Signer signs and verifies license artifacts.
type Signer struct {
	keys   KeySource
	logger *slog.Logger
}

// NewSigner creates a signer backed by keys
func NewSigner(keys KeySource, logger *slog.Logger) *Signer {
	return &Signer{
		keys:   keys,
		logger: logger.With(slog.String("component", "signer")),
	}
}

// Payload returns the exact bytes that are signed for license.
func Payload(license *domain.License) ([]byte, map[string]any, error) {
	fields, err := canonical.ToMap(license)
	if err != nil {
		return nil, nil, fmt.Errorf("license to canonical map: %w", err)
	}
	payload, err := canonical.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("canonical encode: %w", err)
	}
	return payload, fields, nil
}

// Sign produces a new SignedLicense for license. The keypair is generated
// on first use.
func (s *Signer) Sign(ctx context.Context, license *domain.License) (*domain.SignedLicense, error) {
	payload, fields, err := Payload(license)
	if err != nil {
		return nil, apierrors.NewCryptoError("encode license", err)
	}

	key, err := s.keys.EnsureKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, apierrors.NewCryptoError("sign license", err)
	}

	s.logger.DebugContext(ctx, "license signed",
		slog.Int("payload_bytes", len(payload)))

	return &domain.SignedLicense{
		License:   fields,
		Signature: hex.EncodeToString(sig),
		Alg:       Algorithm,
	}, nil
}

// Verify re-encodes artifact.License and checks the signature against the
// public key. It never panics; any structural or cryptographic mismatch is
// reported as false with a reason.
func (s *Signer) Verify(artifact *domain.SignedLicense) (valid bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("signature verification panicked", slog.Any("panic", r))
			valid, reason = false, ReasonMalformedDocument
		}
	}()

	switch {
	case artifact == nil || artifact.License == nil:
		return false, ReasonMissingLicense
	case artifact.Signature == "":
		return false, ReasonMissingSignature
	case artifact.Alg != Algorithm:
		return false, ReasonAlgMismatch
	}

	payload, err := canonical.Marshal(artifact.License)
	if err != nil {
		return false, ReasonMalformedLicense
	}
	sig, err := hex.DecodeString(artifact.Signature)
	if err != nil {
		return false, ReasonMalformedHex
	}
	pub, err := s.keys.LoadPublicKey()
	if err != nil {
		return false, ReasonKeyUnavailable
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, ReasonMismatch
	}
	return true, ReasonValid
}

// VerifyDocument decodes a raw SignedLicense JSON document, keeping integers
// exact, and verifies it.
func (s *Signer) VerifyDocument(data []byte) (bool, string) {
	generic, err := canonical.Decode(data)
	if err != nil {
		return false, ReasonMalformedDocument
	}
	doc, ok := generic.(map[string]any)
	if !ok {
		return false, ReasonMalformedDocument
	}

	artifact := &domain.SignedLicense{}
	if lic, ok := doc["license"].(map[string]any); ok {
		artifact.License = lic
	}
	artifact.Signature, _ = doc["signature"].(string)
	artifact.Alg, _ = doc["alg"].(string)
	return s.Verify(artifact)
}

// MarshalArtifact encodes a SignedLicense for persistence or download.
func MarshalArtifact(artifact *domain.SignedLicense) ([]byte, error) {
	return json.MarshalIndent(artifact, "", "  ")
}
