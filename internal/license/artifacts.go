package license

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"licensor/internal/canonical"
	apierrors "licensor/internal/errors"
	"licensor/internal/files"
	"licensor/internal/signing"
	"licensor/pkg/contracts/domain"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileArtifactStore writes one {key}.signed.json per license.
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore stores artifacts under dir
func NewFileArtifactStore(dir string) *FileArtifactStore {
	return &FileArtifactStore{dir: dir}
}

func (s *FileArtifactStore) path(key string) (string, error) {
	if !safeKey.MatchString(key) {
		return "", fmt.Errorf("license %q: %w", key, apierrors.ErrLicenseNotFound)
	}
	return filepath.Join(s.dir, key+".signed.json"), nil
}

func (s *FileArtifactStore) Save(_ context.Context, key string, artifact *domain.SignedLicense) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := signing.MarshalArtifact(artifact)
	if err != nil {
		return apierrors.NewStorageError("encode artifact", err)
	}
	if err := files.WriteAtomic(p, append(data, '\n'), 0o644); err != nil {
		return apierrors.NewStorageError("write artifact", err)
	}
	return nil
}

func (s *FileArtifactStore) Load(_ context.Context, key string) (*domain.SignedLicense, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", key, apierrors.ErrLicenseNotFound)
		}
		return nil, apierrors.NewStorageError("read artifact", err)
	}
	return decodeArtifact(data)
}

func (s *FileArtifactStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := files.Remove(p); err != nil {
		return apierrors.NewStorageError("delete artifact", err)
	}
	return nil
}

// decodeArtifact keeps integers exact so the stored artifact still verifies.
func decodeArtifact(data []byte) (*domain.SignedLicense, error) {
	generic, err := canonical.Decode(data)
	if err != nil {
		return nil, apierrors.NewStorageError("decode artifact", err)
	}
	doc, ok := generic.(map[string]any)
	if !ok {
		return nil, apierrors.NewStorageError("decode artifact", errors.New("artifact is not an object"))
	}
	artifact := &domain.SignedLicense{}
	artifact.License, _ = doc["license"].(map[string]any)
	artifact.Signature, _ = doc["signature"].(string)
	artifact.Alg, _ = doc["alg"].(string)
	return artifact, nil
}
