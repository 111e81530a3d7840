package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/solicitudes/model"
)

// RetryPolicy bounds the retries of a counter transaction that lost a
// serialization or lock race.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when NewPgStore is given a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      5,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

// PgStore is a PostgreSQL-backed Store using pgx/v5. Documents are kept as
// JSONB rows keyed by (collection, id).
type PgStore struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, retry RetryPolicy) *PgStore {
	if retry.MaxRetries == 0 {
		retry = DefaultRetryPolicy
	}
	return &PgStore{pool: pool, retry: retry}
}

// Transact reads the counter row under FOR UPDATE, applies fn and writes the
// result back in one transaction. Serialization failures and deadlocks are
// retried with exponential backoff; once retries are exhausted the error is
// a TRANSIENT_STORE_ERROR.
func (s *PgStore) Transact(ctx context.Context, counterKey string, fn CounterFunc) (int64, error) {
	var next int64

	op := func() error {
		v, err := s.transactOnce(ctx, counterKey, fn)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		next = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retry.MaxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if isRetryable(err) {
			return 0, model.NewTransientStoreError(
				fmt.Sprintf("counter %q transaction retries exhausted", counterKey), err,
			)
		}
		return 0, err
	}
	return next, nil
}

func (s *PgStore) transactOnce(ctx context.Context, counterKey string, fn CounterFunc) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin counter tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO counters (name, value) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING`,
		counterKey,
	); err != nil {
		return 0, fmt.Errorf("ensure counter %q: %w", counterKey, err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT value FROM counters WHERE name = $1 FOR UPDATE`, counterKey,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("lock counter %q: %w", counterKey, err)
	}

	next, err := fn(current)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE counters SET value = $2 WHERE name = $1`, counterKey, next,
	); err != nil {
		return 0, fmt.Errorf("update counter %q: %w", counterKey, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit counter %q: %w", counterKey, err)
	}
	return next, nil
}

// isRetryable reports whether err is a serialization failure, deadlock or
// lock timeout.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// GetDocument retrieves a document by collection and ID.
func (s *PgStore) GetDocument(ctx context.Context, collection, id string) (model.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM documents
		WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return unmarshalDocument(data)
}

// QueryLatest returns the child with the greatest orderKey value.
func (s *PgStore) QueryLatest(ctx context.Context, collection, parentID, childCollection, orderKey string) (model.Document, string, bool, error) {
	var (
		id   string
		data []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, data FROM child_documents
		WHERE collection = $1 AND parent_id = $2 AND child_collection = $3
		ORDER BY data->>$4 DESC, created_at DESC
		LIMIT 1`,
		collection, parentID, childCollection, orderKey,
	).Scan(&id, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("query latest child: %w", err)
	}
	doc, err := unmarshalDocument(data)
	if err != nil {
		return nil, "", false, err
	}
	return doc, id, true, nil
}

// UpdateFields merges fields into the stored document.
func (s *PgStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error {
	data, err := marshalDocument(fields)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, id))
	}
	return nil
}

// AppendChild inserts a child document under a generated ID.
func (s *PgStore) AppendChild(ctx context.Context, collection, parentID, childCollection string, payload model.Document) (string, error) {
	data, err := marshalDocument(payload)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO child_documents (collection, parent_id, child_collection, id, data)
		VALUES ($1, $2, $3, $4, $5)`,
		collection, parentID, childCollection, id, data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return "", model.NewNotFoundError(fmt.Sprintf("%s/%s not found", collection, parentID))
		}
		return "", fmt.Errorf("insert child document: %w", err)
	}
	return id, nil
}

// CreateDocument inserts a document under a generated ID.
func (s *PgStore) CreateDocument(ctx context.Context, collection string, doc model.Document) (string, error) {
	id := uuid.New().String()
	if err := s.SetDocument(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// SetDocument inserts or replaces a document.
func (s *PgStore) SetDocument(ctx context.Context, collection, id string, doc model.Document) error {
	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// ListChildren returns child documents sorted ascending by orderKey.
func (s *PgStore) ListChildren(ctx context.Context, collection, parentID, childCollection, orderKey string) ([]Child, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data FROM child_documents
		WHERE collection = $1 AND parent_id = $2 AND child_collection = $3
		ORDER BY data->>$4 ASC, created_at ASC`,
		collection, parentID, childCollection, orderKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query child documents: %w", err)
	}
	return scanChildren(rows)
}

// FindEqual returns the documents of a collection whose field equals value.
func (s *PgStore) FindEqual(ctx context.Context, collection, field string, value any) ([]Child, error) {
	want, err := marshalValue(value)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, data FROM documents
		WHERE collection = $1 AND data->$2 = $3::jsonb
		ORDER BY id`,
		collection, field, want,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return scanChildren(rows)
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanChildren(rows pgx.Rows) ([]Child, error) {
	defer rows.Close()

	var result []Child
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := unmarshalDocument(data)
		if err != nil {
			return nil, err
		}
		result = append(result, Child{ID: id, Doc: doc})
	}
	return result, rows.Err()
}
