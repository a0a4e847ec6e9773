package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apierrors "licensor/internal/errors"
	"licensor/internal/files"
	"licensor/pkg/contracts/domain"
)

// FileSink appends one JSON object per line to the activation log.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink appends to path, creating it on first write
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Record(_ context.Context, event domain.ActivationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := files.AppendJSONLine(s.path, event); err != nil {
		return apierrors.NewStorageError("append activation log", err)
	}
	return nil
}

func (s *FileSink) Recent(_ context.Context, limit int) ([]domain.ActivationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.ActivationEvent
	err := files.ReadJSONLines(s.path, func(line []byte) error {
		var ev domain.ActivationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode activation event: %w", err)
		}
		all = append(all, ev)
		return nil
	})
	if err != nil {
		return nil, apierrors.NewStorageError("read activation log", err)
	}

	out := make([]domain.ActivationEvent, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *FileSink) Close(context.Context) error { return nil }
