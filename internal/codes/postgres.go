package codes

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

// PostgresRepository stores each code as a JSONB document. Mutate holds
// the row lock from SELECT ... FOR UPDATE until commit.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// NewPostgresRepository creates the table if needed.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, prefix string, logger *slog.Logger) (*PostgresRepository, error) {
	table, err := storage.TableName(prefix, "activation_codes")
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			code        TEXT PRIMARY KEY,
			email       TEXT NOT NULL,
			project     TEXT NOT NULL,
			doc         JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, table)
	if _, err := pool.Exec(ctx, query); err != nil {
		return nil, apierrors.NewStorageError("create code table", err)
	}
	return &PostgresRepository{
		pool:   pool,
		table:  table,
		logger: logger.With(slog.String("component", "code_pg_repository")),
	}, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, c *domain.ActivationCode) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return apierrors.NewStorageError("encode code", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (code, email, project, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO NOTHING
	`, r.table)
	tag, err := r.pool.Exec(ctx, query, c.Code, c.Email, c.Project, doc, c.CreatedAt)
	if err != nil {
		return apierrors.NewStorageError("insert code", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert code %s: %w", c.Code, apierrors.ErrDuplicateKey)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, code string) (*domain.ActivationCode, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE code = $1`, r.table)
	return scanCode(r.pool.QueryRow(ctx, query, code), code)
}

func (r *PostgresRepository) Mutate(ctx context.Context, code string, fn MutateFunc) (*domain.ActivationCode, error) {
	var out *domain.ActivationCode
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		lockQuery := fmt.Sprintf(`SELECT doc FROM %s WHERE code = $1 FOR UPDATE`, r.table)
		c, err := scanCode(tx.QueryRow(ctx, lockQuery, code), code)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Code = code

		doc, err := json.Marshal(c)
		if err != nil {
			return apierrors.NewStorageError("encode code", err)
		}
		updateQuery := fmt.Sprintf(`UPDATE %s SET doc = $2, updated_at = NOW() WHERE code = $1`, r.table)
		if _, err := tx.Exec(ctx, updateQuery, code, doc); err != nil {
			return apierrors.NewStorageError("update code", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, code string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE code = $1`, r.table)
	tag, err := r.pool.Exec(ctx, query, code)
	if err != nil {
		return apierrors.NewStorageError("delete code", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("code %s: %w", code, apierrors.ErrCodeNotFound)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*domain.ActivationCode, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s ORDER BY created_at DESC, code`, r.table)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, apierrors.NewStorageError("list codes", err)
	}
	defer rows.Close()

	var out []*domain.ActivationCode
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apierrors.NewStorageError("scan code", err)
		}
		c, err := decodeCode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierrors.NewStorageError("list codes", err)
	}
	return out, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return apierrors.NewStorageError("ping postgres", err)
	}
	return nil
}

func scanCode(row pgx.Row, code string) (*domain.ActivationCode, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("code %s: %w", code, apierrors.ErrCodeNotFound)
		}
		return nil, apierrors.NewStorageError("read code", err)
	}
	return decodeCode(doc)
}

func decodeCode(doc []byte) (*domain.ActivationCode, error) {
	var c domain.ActivationCode
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, apierrors.NewStorageError("decode code", err)
	}
	if c.Activations == nil {
		c.Activations = []domain.CodeActivation{}
	}
	return &c, nil
}
