package rules

import (
	"context"
	"encoding/json"
	"sync"

	apierrors "licensor/internal/errors"
	"licensor/internal/files"
	"licensor/pkg/contracts/domain"
)

// Store persists the current policy and its append-only history.
type Store interface {
	// Load returns the stored policy, or false when none has been saved yet.
	Load(ctx context.Context) (*domain.Policy, bool, error)
	Save(ctx context.Context, policy *domain.Policy) error
	AppendHistory(ctx context.Context, entry domain.PolicyHistoryEntry) error
	History(ctx context.Context) ([]domain.PolicyHistoryEntry, error)
}

// FileStore keeps the policy in rules.json and history as JSON lines.
type FileStore struct {
	rulesPath   string
	historyPath string
	mu          sync.Mutex
}

// NewFileStore creates a file-backed policy store
func NewFileStore(rulesPath, historyPath string) *FileStore {
	return &FileStore{rulesPath: rulesPath, historyPath: historyPath}
}

func (s *FileStore) Load(_ context.Context) (*domain.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p domain.Policy
	ok, err := files.ReadJSON(s.rulesPath, &p)
	if err != nil {
		return nil, false, apierrors.NewStorageError("load rules", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (s *FileStore) Save(_ context.Context, policy *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := files.WriteJSON(s.rulesPath, policy, 0o644); err != nil {
		return apierrors.NewStorageError("save rules", err)
	}
	return nil
}

func (s *FileStore) AppendHistory(_ context.Context, entry domain.PolicyHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := files.AppendJSONLine(s.historyPath, entry); err != nil {
		return apierrors.NewStorageError("append rules history", err)
	}
	return nil
}

func (s *FileStore) History(_ context.Context) ([]domain.PolicyHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []domain.PolicyHistoryEntry{}
	err := files.ReadJSONLines(s.historyPath, func(line []byte) error {
		var e domain.PolicyHistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, apierrors.NewStorageError("read rules history", err)
	}
	return entries, nil
}
