package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
)

const apiKeyPrefix = "tfk_"

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a plaintext key. Callers show it once and store the hash.
func NewAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// CreateAPIKey issues a key for actor and returns the stored record plus the
// plaintext key.
func (r Repo) CreateAPIKey(ctx context.Context, actor, name string) (domain.APIKey, string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return domain.APIKey{}, "", errors.New("actor required")
	}
	plain, err := NewAPIKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Actor:     actor,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(plain),
		CreatedAt: formatTime(time.Now().In(r.loc())),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.Actor == "" {
		return errors.New("actor required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	if key.CreatedAt == "" {
		key.CreatedAt = formatTime(time.Now().In(r.loc()))
	}
	_, err := exec(`INSERT INTO api_keys(id, actor, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.Actor, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.Actor, &key.Name, &key.KeyHash, &key.CreatedAt)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, actor, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by actor.
func (r Repo) ListAPIKeys(ctx context.Context, actor string) ([]domain.APIKey, error) {
	query := `SELECT id, actor, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if actor != "" {
		query += ` WHERE actor=?`
		args = append(args, actor)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
