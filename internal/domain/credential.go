package domain

import (
	"context"
	"time"
)

// CredentialKey is the settings key holding the hosted model API key
const CredentialKey = "gemini_api_key"

// CredentialRecord is a single persisted settings value
type CredentialRecord struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// CredentialRepository defines the interface for the settings key-value store
type CredentialRepository interface {
	// Get retrieves the record stored under key, or nil when absent
	Get(ctx context.Context, key string) (*CredentialRecord, error)

	// Put creates or overwrites the record stored under key
	Put(ctx context.Context, key, value string) (*CredentialRecord, error)

	// Delete removes the record stored under key
	Delete(ctx context.Context, key string) error
}
