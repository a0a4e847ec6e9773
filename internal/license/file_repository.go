package license

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apierrors "licensor/internal/errors"
	"licensor/internal/files"
	"licensor/pkg/contracts/domain"
)

// FileRepository keeps the license table in memory and rewrites the JSON
// file atomically on every change. A failed write rolls the memory back.
type FileRepository struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	rows map[string]*domain.License
}

// NewFileRepository loads the table at path, starting empty if it does not exist.
func NewFileRepository(path string, logger *slog.Logger) (*FileRepository, error) {
	r := &FileRepository{
		path:   path,
		logger: logger.With(slog.String("component", "license_file_repository")),
		rows:   make(map[string]*domain.License),
	}

	var stored []*domain.License
	if _, err := files.ReadJSON(path, &stored); err != nil {
		return nil, apierrors.NewStorageError("load license table", err)
	}
	for _, l := range stored {
		if l == nil || l.Key == "" {
			continue
		}
		if l.Activations == nil {
			l.Activations = []domain.DeviceActivation{}
		}
		r.rows[l.Key] = l
	}
	r.logger.Debug("license table loaded", slog.Int("licenses", len(r.rows)))
	return r, nil
}

func (r *FileRepository) Insert(_ context.Context, l *domain.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[l.Key]; exists {
		return fmt.Errorf("insert %s: %w", l.Key, apierrors.ErrDuplicateKey)
	}
	r.rows[l.Key] = l.Clone()
	if err := r.persistLocked(); err != nil {
		delete(r.rows, l.Key)
		return err
	}
	return nil
}

func (r *FileRepository) Get(_ context.Context, key string) (*domain.License, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.rows[key]
	if !ok {
		return nil, fmt.Errorf("license %s: %w", key, apierrors.ErrLicenseNotFound)
	}
	return l.Clone(), nil
}

func (r *FileRepository) FindByEmailProject(_ context.Context, email, project string) (*domain.License, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.License
	for _, l := range r.rows {
		if !strings.EqualFold(l.Email, email) || !strings.EqualFold(l.Project, project) {
			continue
		}
		if found == nil || l.CreatedAt.Before(found.CreatedAt) {
			found = l
		}
	}
	if found == nil {
		return nil, fmt.Errorf("license for %s/%s: %w", email, project, apierrors.ErrLicenseNotFound)
	}
	return found.Clone(), nil
}

func (r *FileRepository) Mutate(_ context.Context, key string, fn MutateFunc) (*domain.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rows[key]
	if !ok {
		return nil, fmt.Errorf("license %s: %w", key, apierrors.ErrLicenseNotFound)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Key = key

	r.rows[key] = next
	if err := r.persistLocked(); err != nil {
		r.rows[key] = prev
		return nil, err
	}
	return next.Clone(), nil
}

func (r *FileRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rows[key]
	if !ok {
		return fmt.Errorf("license %s: %w", key, apierrors.ErrLicenseNotFound)
	}
	delete(r.rows, key)
	if err := r.persistLocked(); err != nil {
		r.rows[key] = prev
		return err
	}
	return nil
}

func (r *FileRepository) List(_ context.Context) ([]*domain.License, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(true), nil
}

func (r *FileRepository) Ping(_ context.Context) error {
	dir := filepath.Dir(r.path)
	info, err := os.Stat(dir)
	if err != nil {
		return apierrors.NewStorageError("stat license directory", err)
	}
	if !info.IsDir() {
		return apierrors.NewStorageError("stat license directory", fmt.Errorf("%s is not a directory", dir))
	}
	return nil
}

func (r *FileRepository) persistLocked() error {
	if err := files.WriteJSON(r.path, r.sortedLocked(false), 0o644); err != nil {
		return apierrors.NewStorageError("write license table", err)
	}
	return nil
}

// sortedLocked orders rows by creation time, then key.
func (r *FileRepository) sortedLocked(clone bool) []*domain.License {
	out := make([]*domain.License, 0, len(r.rows))
	for _, l := range r.rows {
		if clone {
			l = l.Clone()
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
