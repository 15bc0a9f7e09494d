package db

import (
	"context"
	"time"

	"marketsync/internal/types"
)

// ItemRepository is the default Sink. Items are keyed by (account, category,
// external id); a re-delivered item overwrites the stored copy only when its
// remote updated_at is not older, so overlapping windows are harmless.
type ItemRepository struct {
	db  DBTX
	now func() time.Time
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db DBTX) *ItemRepository {
	return &ItemRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Store upserts items in one statement and returns how many distinct items
// were accepted.
func (r *ItemRepository) Store(ctx context.Context, key types.SyncKey, items []types.RemoteItem) (int, error) {
	items, err := dedupeItems(items)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]string, len(items))
	updated := make([]*time.Time, len(items))
	payloads := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ExternalID
		updated[i] = it.UpdatedAt
		if len(it.Payload) == 0 {
			payloads[i] = "null"
		} else {
			payloads[i] = string(it.Payload)
		}
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO synced_items
		     (account_id, api_category, external_id, remote_updated_at, payload, first_seen_at, last_seen_at)
		 SELECT $1, $2, t.external_id, t.remote_updated_at, t.payload::jsonb, $6, $6
		 FROM unnest($3::text[], $4::timestamptz[], $5::text[]) AS t(external_id, remote_updated_at, payload)
		 ON CONFLICT (account_id, api_category, external_id) DO UPDATE SET
		     remote_updated_at = EXCLUDED.remote_updated_at,
		     payload = EXCLUDED.payload,
		     last_seen_at = EXCLUDED.last_seen_at
		 WHERE synced_items.remote_updated_at IS NULL
		    OR EXCLUDED.remote_updated_at IS NULL
		    OR EXCLUDED.remote_updated_at >= synced_items.remote_updated_at`,
		key.AccountID, string(key.Category), ids, updated, payloads, r.now(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalSinkFailed, "failed to store synced items", err)
	}
	return len(items), nil
}

// dedupeItems keeps the newest copy of each external id; one INSERT cannot
// touch the same conflict row twice.
func dedupeItems(items []types.RemoteItem) ([]types.RemoteItem, error) {
	index := make(map[string]int, len(items))
	out := make([]types.RemoteItem, 0, len(items))
	for _, it := range items {
		if it.ExternalID == "" {
			return nil, types.NewAppError(types.ErrCodeInternalSinkFailed, "item without an external id", nil)
		}
		i, seen := index[it.ExternalID]
		if !seen {
			index[it.ExternalID] = len(out)
			out = append(out, it)
			continue
		}
		if newer(it.UpdatedAt, out[i].UpdatedAt) {
			out[i] = it
		}
	}
	return out, nil
}

func newer(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return !a.Before(*b)
	}
}
