package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/types"
)

// AccountRepository reads marketplace accounts. Accounts are owned by the
// onboarding flow; the sync engine never writes them.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, tenant_id, external_user_id, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.ExternalUserID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get returns one account, active or not.
func (r *AccountRepository) Get(ctx context.Context, id string) (*types.Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM marketplace_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	return a, nil
}

// ListActive returns every active account ordered by id.
func (r *AccountRepository) ListActive(ctx context.Context) ([]types.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+` FROM marketplace_accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active accounts", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate accounts", err)
	}
	return accounts, nil
}
