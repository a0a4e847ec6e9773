package codes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apierrors "licensor/internal/errors"
	"licensor/internal/files"
	"licensor/pkg/contracts/domain"
)

// FileRepository keeps the code table as one JSON object keyed by code,
// rewritten atomically on every change.
type FileRepository struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	codes map[string]*domain.ActivationCode
}

// NewFileRepository loads the table at path, starting empty if it does not exist.
func NewFileRepository(path string, logger *slog.Logger) (*FileRepository, error) {
	r := &FileRepository{
		path:   path,
		logger: logger.With(slog.String("component", "code_file_repository")),
		codes:  make(map[string]*domain.ActivationCode),
	}

	stored := map[string]*domain.ActivationCode{}
	if _, err := files.ReadJSON(path, &stored); err != nil {
		return nil, apierrors.NewStorageError("load code table", err)
	}
	for code, c := range stored {
		if c == nil {
			continue
		}
		if c.Code == "" {
			c.Code = code
		}
		if c.Activations == nil {
			c.Activations = []domain.CodeActivation{}
		}
		r.codes[c.Code] = c
	}
	r.logger.Debug("code table loaded", slog.Int("codes", len(r.codes)))
	return r, nil
}

func (r *FileRepository) Insert(_ context.Context, c *domain.ActivationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.codes[c.Code]; exists {
		return fmt.Errorf("insert code %s: %w", c.Code, apierrors.ErrDuplicateKey)
	}
	r.codes[c.Code] = c.Clone()
	if err := r.persistLocked(); err != nil {
		delete(r.codes, c.Code)
		return err
	}
	return nil
}

func (r *FileRepository) Get(_ context.Context, code string) (*domain.ActivationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codes[code]
	if !ok {
		return nil, fmt.Errorf("code %s: %w", code, apierrors.ErrCodeNotFound)
	}
	return c.Clone(), nil
}

func (r *FileRepository) Mutate(_ context.Context, code string, fn MutateFunc) (*domain.ActivationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.codes[code]
	if !ok {
		return nil, fmt.Errorf("code %s: %w", code, apierrors.ErrCodeNotFound)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Code = code

	r.codes[code] = next
	if err := r.persistLocked(); err != nil {
		r.codes[code] = prev
		return nil, err
	}
	return next.Clone(), nil
}

func (r *FileRepository) Delete(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.codes[code]
	if !ok {
		return fmt.Errorf("code %s: %w", code, apierrors.ErrCodeNotFound)
	}
	delete(r.codes, code)
	if err := r.persistLocked(); err != nil {
		r.codes[code] = prev
		return err
	}
	return nil
}

// List returns codes newest first.
func (r *FileRepository) List(_ context.Context) ([]*domain.ActivationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.ActivationCode, 0, len(r.codes))
	for _, c := range r.codes {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (r *FileRepository) Ping(_ context.Context) error {
	dir := filepath.Dir(r.path)
	info, err := os.Stat(dir)
	if err != nil {
		return apierrors.NewStorageError("stat code directory", err)
	}
	if !info.IsDir() {
		return apierrors.NewStorageError("stat code directory", fmt.Errorf("%s is not a directory", dir))
	}
	return nil
}

func (r *FileRepository) persistLocked() error {
	if err := files.WriteJSON(r.path, r.codes, 0o644); err != nil {
		return apierrors.NewStorageError("write code table", err)
	}
	return nil
}
