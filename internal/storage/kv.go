package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// KV is the opaque key/value store the orchestrator persists its state into.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// Namespaced scopes every key of an underlying store under a fixed prefix.
type Namespaced struct {
	inner  KV
	prefix string
}

// WithNamespace wraps kv so that key k is stored as "<namespace>:k".
func WithNamespace(kv KV, namespace string) *Namespaced {
	prefix := ""
	if ns := strings.TrimSuffix(namespace, ":"); ns != "" {
		prefix = ns + ":"
	}
	return &Namespaced{inner: kv, prefix: prefix}
}

// Key returns the fully qualified key.
func (n *Namespaced) Key(key string) string {
	return n.prefix + key
}

// Get reads a namespaced key.
func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.Key(key))
}

// Set writes a namespaced key.
func (n *Namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.inner.Set(ctx, n.Key(key), value)
}

// Close closes the underlying store.
func (n *Namespaced) Close() error {
	return n.inner.Close()
}

// Unwrap returns the underlying store.
func (n *Namespaced) Unwrap() KV {
	return n.inner
}

// Capability finds an optional interface on kv or on any store it wraps.
func Capability[T any](kv KV) (T, bool) {
	for kv != nil {
		if c, ok := kv.(T); ok {
			return c, true
		}
		u, ok := kv.(interface{ Unwrap() KV })
		if !ok {
			break
		}
		kv = u.Unwrap()
	}
	var zero T
	return zero, false
}

var _ KV = (*Namespaced)(nil)
