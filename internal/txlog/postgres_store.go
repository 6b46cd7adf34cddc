package txlog

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, buyer_address, service_id, seller_address, amount, status, detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9)
	`, tx.ID, tx.BuyerAddress, tx.ServiceID, tx.SellerAddress, tx.Amount, tx.Status, tx.Detail, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	tx := &Transaction{}
	var detail sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_address, service_id, seller_address, amount, status, detail, created_at, updated_at
		FROM transactions WHERE id = $1
	`, id).Scan(&tx.ID, &tx.BuyerAddress, &tx.ServiceID, &tx.SellerAddress, &tx.Amount, &tx.Status, &detail, &tx.CreatedAt, &tx.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Detail = detail.String
	return tx, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id, status, detail string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2, detail = $3, updated_at = NOW() WHERE id = $1
	`, id, status, detail)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT id, buyer_address, service_id, seller_address, amount, status, detail, created_at, updated_at
		FROM transactions WHERE buyer_address = $1
		ORDER BY created_at DESC LIMIT $2
	`, buyerAddress, limit)
}

func (p *PostgresStore) ListByService(ctx context.Context, serviceID string, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT id, buyer_address, service_id, seller_address, amount, status, detail, created_at, updated_at
		FROM transactions WHERE service_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, serviceID, limit)
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT id, buyer_address, service_id, seller_address, amount, status, detail, created_at, updated_at
		FROM transactions
		ORDER BY created_at DESC LIMIT $1
	`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var detail sql.NullString
		if err := rows.Scan(&tx.ID, &tx.BuyerAddress, &tx.ServiceID, &tx.SellerAddress, &tx.Amount, &tx.Status, &detail, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		tx.Detail = detail.String
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
