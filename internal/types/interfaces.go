package types

import (
	"context"
	"time"
)

// RemoteFetcher retrieves one page of a marketplace category for a window.
// Implementations are marketplace specific; the engine treats pages as opaque.
type RemoteFetcher interface {
	FetchPage(ctx context.Context, accessToken string, window Window, pageToken string) (*Page, error)
}

// FetcherRegistry maps each APICategory to the fetcher serving it. It is
// resolved once at startup.
type FetcherRegistry interface {
	Lookup(category APICategory) (RemoteFetcher, bool)
	Categories() []APICategory
}

// Sink persists fetched items. Store must be idempotent under re-delivery of
// the same items and must report failures as errors, never as a short count.
type Sink interface {
	Store(ctx context.Context, key SyncKey, items []RemoteItem) (int, error)
}

// NotificationEmitter publishes run events. Callers treat it as best-effort.
type NotificationEmitter interface {
	Notify(ctx context.Context, event SyncEvent) error
}

// CredentialTx is the view of the credential store available while the
// per-account credential lock is held.
type CredentialTx interface {
	GetForUpdate(ctx context.Context, accountID string) (*Credential, error)
	Save(ctx context.Context, accountID, plaintextAccess, plaintextRefresh string, expiry, refreshedAt time.Time) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
