package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lewtec/plantid/internal/domain"
)

// SettingsRepository implements domain.CredentialRepository on a sqlite settings table
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get retrieves the record stored under key
func (r *SettingsRepository) Get(ctx context.Context, key string) (*domain.CredentialRecord, error) {
	row := r.db.QueryRowContext(ctx, "select key, value, updated_at from settings where key = ?", key)
	var rec domain.CredentialRecord
	err := row.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Put creates or overwrites the record stored under key
func (r *SettingsRepository) Put(ctx context.Context, key, value string) (*domain.CredentialRecord, error) {
	now := time.Now().UTC().Truncate(time.Second)
	_, err := r.db.ExecContext(ctx, `
insert into settings (key, value, updated_at) values (?, ?, ?)
on conflict(key) do update set value = excluded.value, updated_at = excluded.updated_at
`, key, value, now)
	if err != nil {
		return nil, err
	}
	return &domain.CredentialRecord{Key: key, Value: value, UpdatedAt: now}, nil
}

// Delete removes the record stored under key
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "delete from settings where key = ?", key)
	return err
}

// Credential returns the stored API key, or "" when none was saved
func (r *SettingsRepository) Credential(ctx context.Context) (string, error) {
	rec, err := r.Get(ctx, domain.CredentialKey)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.Value, nil
}

// Verify that SettingsRepository implements domain.CredentialRepository
var _ domain.CredentialRepository = (*SettingsRepository)(nil)
