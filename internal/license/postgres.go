package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apierrors "licensor/internal/errors"
	"licensor/internal/storage"
	"licensor/pkg/contracts/domain"
)

// PostgresRepository stores each license as a JSONB document with its
// lookup columns broken out. Mutate runs inside a transaction holding the
// row lock from SELECT ... FOR UPDATE.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// NewPostgresRepository creates the table and index if needed.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, prefix string, logger *slog.Logger) (*PostgresRepository, error) {
	table, err := storage.TableName(prefix, "licenses")
	if err != nil {
		return nil, err
	}
	r := &PostgresRepository{
		pool:   pool,
		table:  table,
		logger: logger.With(slog.String("component", "license_pg_repository")),
	}
	if err := r.ensureTable(ctx); err != nil {
		return nil, apierrors.NewStorageError("create license table", err)
	}
	return r, nil
}

func (r *PostgresRepository) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			project    TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_email_project
			ON %s (lower(email), lower(project));
	`, r.table, r.table, r.table)
	_, err := r.pool.Exec(ctx, query)
	return err
}

func (r *PostgresRepository) Insert(ctx context.Context, l *domain.License) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return apierrors.NewStorageError("encode license", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, email, project, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, r.table)
	tag, err := r.pool.Exec(ctx, query, l.Key, l.Email, l.Project, doc, l.CreatedAt)
	if err != nil {
		return apierrors.NewStorageError("insert license", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert %s: %w", l.Key, apierrors.ErrDuplicateKey)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*domain.License, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE key = $1`, r.table)
	return r.scanOne(r.pool.QueryRow(ctx, query, key), key)
}

func (r *PostgresRepository) FindByEmailProject(ctx context.Context, email, project string) (*domain.License, error) {
	query := fmt.Sprintf(`
		SELECT doc FROM %s
		WHERE lower(email) = lower($1) AND lower(project) = lower($2)
		ORDER BY created_at, key
		LIMIT 1
	`, r.table)
	return r.scanOne(r.pool.QueryRow(ctx, query, email, project), email+"/"+project)
}

func (r *PostgresRepository) Mutate(ctx context.Context, key string, fn MutateFunc) (*domain.License, error) {
	var out *domain.License
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		lockQuery := fmt.Sprintf(`SELECT doc FROM %s WHERE key = $1 FOR UPDATE`, r.table)
		l, err := r.scanOne(tx.QueryRow(ctx, lockQuery, key), key)
		if err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
		l.Key = key

		doc, err := json.Marshal(l)
		if err != nil {
			return apierrors.NewStorageError("encode license", err)
		}
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET email = $2, project = $3, doc = $4, updated_at = NOW()
			WHERE key = $1
		`, r.table)
		if _, err := tx.Exec(ctx, updateQuery, key, l.Email, l.Project, doc); err != nil {
			return apierrors.NewStorageError("update license", err)
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, r.table)
	tag, err := r.pool.Exec(ctx, query, key)
	if err != nil {
		return apierrors.NewStorageError("delete license", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("license %s: %w", key, apierrors.ErrLicenseNotFound)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*domain.License, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s ORDER BY created_at, key`, r.table)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, apierrors.NewStorageError("list licenses", err)
	}
	defer rows.Close()

	var out []*domain.License
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apierrors.NewStorageError("scan license", err)
		}
		l, err := decodeLicense(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.NewStorageError("list licenses", err)
	}
	return out, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return apierrors.NewStorageError("ping postgres", err)
	}
	return nil
}

func (r *PostgresRepository) scanOne(row pgx.Row, ref string) (*domain.License, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("license %s: %w", ref, apierrors.ErrLicenseNotFound)
		}
		return nil, apierrors.NewStorageError("read license", err)
	}
	return decodeLicense(doc)
}

func decodeLicense(doc []byte) (*domain.License, error) {
	var l domain.License
	if err := json.Unmarshal(doc, &l); err != nil {
		return nil, apierrors.NewStorageError("decode license", err)
	}
	if l.Activations == nil {
		l.Activations = []domain.DeviceActivation{}
	}
	return &l, nil
}

// PostgresArtifactStore keeps the current SignedLicense per key.
type PostgresArtifactStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresArtifactStore creates the artifact table if needed.
func NewPostgresArtifactStore(ctx context.Context, pool *pgxpool.Pool, prefix string) (*PostgresArtifactStore, error) {
	table, err := storage.TableName(prefix, "signed_licenses")
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			signed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, table)
	if _, err := pool.Exec(ctx, query); err != nil {
		return nil, apierrors.NewStorageError("create artifact table", err)
	}
	return &PostgresArtifactStore{pool: pool, table: table}, nil
}

func (s *PostgresArtifactStore) Save(ctx context.Context, key string, artifact *domain.SignedLicense) error {
	doc, err := json.Marshal(artifact)
	if err != nil {
		return apierrors.NewStorageError("encode artifact", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, doc, signed_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, signed_at = EXCLUDED.signed_at
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, key, doc); err != nil {
		return apierrors.NewStorageError("save artifact", err)
	}
	return nil
}

func (s *PostgresArtifactStore) Load(ctx context.Context, key string) (*domain.SignedLicense, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE key = $1`, s.table)
	var doc []byte
	if err := s.pool.QueryRow(ctx, query, key).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", key, apierrors.ErrLicenseNotFound)
		}
		return nil, apierrors.NewStorageError("load artifact", err)
	}
	return decodeArtifact(doc)
}

func (s *PostgresArtifactStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return apierrors.NewStorageError("delete artifact", err)
	}
	return nil
}
