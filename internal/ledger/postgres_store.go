package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// GetBalance retrieves a buyer's balance. Unknown addresses report zero.
func (p *PostgresStore) GetBalance(ctx context.Context, address string) (*Account, error) {
	acc := &Account{Address: address}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, updated_at
		FROM accounts WHERE address = $1
	`, address).Scan(&acc.Balance, &acc.TotalIn, &acc.TotalOut, &acc.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{
			Address:   address,
			Balance:   "0.000000",
			TotalIn:   "0.000000",
			TotalOut:  "0.000000",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Debit atomically subtracts amount from a buyer's balance.
// The WHERE clause makes the balance check and the subtraction one
// statement, so concurrent debits serialize on the row and can never
// overdraw. Zero rows affected means the account is missing or short,
// both of which are insufficient funds.
func (p *PostgresStore) Debit(ctx context.Context, address, amount, reference, description string) error {
	if amt, ok := credits.Parse(amount); ok && amt.Sign() == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance    = balance   - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1 AND balance >= $2::NUMERIC(20,6)
	`, address, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'debit', $3::NUMERIC(20,6), $4, $5, NOW())
	`, idgen.WithPrefix("ent_"), address, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Deposit credits a buyer's balance and records the deposit entry in one
// transaction. The partial unique index on (tx_hash) for deposit entries
// guarantees each on-chain tx credits at most once even when the listener
// replays a block range.
func (p *PostgresStore) Deposit(ctx context.Context, address, amount, txHash string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Record entry first so a duplicate tx hash aborts before any credit.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, tx_hash, description, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), $4, 'deposit', NOW())
	`, idgen.WithPrefix("ent_"), address, amount, txHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (address, balance, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance    = accounts.balance  + $2::NUMERIC(20,6),
			total_in   = accounts.total_in + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, address, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

// Refund credits back funds after a failed forward. The partial unique
// index on (reference) for refund entries makes refunds idempotent.
func (p *PostgresStore) Refund(ctx context.Context, address, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'refund', $3::NUMERIC(20,6), $4, $5, NOW())
	`, idgen.WithPrefix("ent_"), address, amount, reference, description)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRefund
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance    = balance + $2::NUMERIC(20,6),
			total_out  = GREATEST(total_out - $2::NUMERIC(20,6), 0),
			updated_at = NOW()
		WHERE address = $1
	`, address, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit()
}

// Grant credits a buyer without an on-chain deposit (development faucet).
func (p *PostgresStore) Grant(ctx context.Context, address, amount, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (address, balance, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			balance    = accounts.balance  + $2::NUMERIC(20,6),
			total_in   = accounts.total_in + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, address, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, description, created_at)
		VALUES ($1, $2, 'grant', $3::NUMERIC(20,6), $4, NOW())
	`, idgen.WithPrefix("ent_"), address, amount, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// History retrieves ledger entries for a buyer, newest first.
func (p *PostgresStore) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount, tx_hash, reference, description, created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var txHash, reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Address, &e.Type, &e.Amount, &txHash, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TxHash = txHash.String
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasDeposit checks if a deposit tx has already been credited.
func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE tx_hash = $1 AND type = 'deposit'
	`, txHash).Scan(&count)
	return count > 0, err
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
