package license

import (
	"context"
	"errors"

	"licensor/pkg/contracts/domain"
)

// errUnchanged is returned by a mutation func to commit nothing and still succeed.
var errUnchanged = errors.New("license unchanged")

// MutateFunc edits a private copy of a license. Returning an error aborts
// the mutation and leaves the stored record untouched.
type MutateFunc func(l *domain.License) error

// Repository is the durable license table. Implementations must make Mutate
// an atomic read-modify-write of one row.
type Repository interface {
	// Insert stores a new license, failing with ErrDuplicateKey on collision.
	Insert(ctx context.Context, l *domain.License) error
	Get(ctx context.Context, key string) (*domain.License, error)
	// FindByEmailProject returns the oldest license for the pair.
	FindByEmailProject(ctx context.Context, email, project string) (*domain.License, error)
	Mutate(ctx context.Context, key string, fn MutateFunc) (*domain.License, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*domain.License, error)
	Ping(ctx context.Context) error
}

// ArtifactStore persists the current SignedLicense of each license.
type ArtifactStore interface {
	Save(ctx context.Context, key string, artifact *domain.SignedLicense) error
	Load(ctx context.Context, key string) (*domain.SignedLicense, error)
	Delete(ctx context.Context, key string) error
}
