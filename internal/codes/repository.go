package codes

import (
	"context"
	"errors"

	"licensor/pkg/contracts/domain"
)

// errUnchanged is returned by a mutation func to commit nothing and still succeed.
var errUnchanged = errors.New("code unchanged")

// MutateFunc edits a private copy of a code. Returning an error aborts the
// mutation and leaves the stored code untouched.
type MutateFunc func(c *domain.ActivationCode) error

// Repository is the durable code table. Mutate must be an atomic
// read-modify-write of one code.
type Repository interface {
	// Insert stores a new code, failing with ErrDuplicateKey on collision.
	Insert(ctx context.Context, c *domain.ActivationCode) error
	Get(ctx context.Context, code string) (*domain.ActivationCode, error)
	Mutate(ctx context.Context, code string, fn MutateFunc) (*domain.ActivationCode, error)
	Delete(ctx context.Context, code string) error
	List(ctx context.Context) ([]*domain.ActivationCode, error)
	Ping(ctx context.Context) error
}
