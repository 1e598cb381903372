// Package storage provides durable key-value blob stores used to persist
// search history. Every backend enforces an optional per-value byte quota so
// callers can degrade gracefully the way browser local storage forces them to.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("storage: key not found")
	// ErrQuotaExceeded is returned by Set when the value does not fit the quota.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// Store is a string blob store keyed by name.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// overQuota reports whether value is larger than a positive quota.
func overQuota(quota int64, value string) bool {
	return quota > 0 && int64(len(value)) > quota
}
