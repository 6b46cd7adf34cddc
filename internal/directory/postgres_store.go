package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, svc *Service) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO services (id, name, description, keywords, seller_address, endpoint, price, unpaid_balance, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,6), $8::NUMERIC(20,6), $9, $10, $11)
	`, svc.ID, svc.Name, svc.Description, pq.Array(svc.Keywords), svc.SellerAddress,
		svc.Endpoint, svc.Price, svc.UnpaidBalance, svc.Active, svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Service, error) {
	svc := &Service{}
	var keywords pq.StringArray

	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, keywords, seller_address, endpoint, price, unpaid_balance, active, created_at, updated_at
		FROM services WHERE id = $1
	`, id).Scan(&svc.ID, &svc.Name, &svc.Description, &keywords, &svc.SellerAddress,
		&svc.Endpoint, &svc.Price, &svc.UnpaidBalance, &svc.Active, &svc.CreatedAt, &svc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	svc.Keywords = keywords
	return svc, nil
}

func (p *PostgresStore) Update(ctx context.Context, svc *Service) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE services SET
			name = $2, description = $3, keywords = $4, endpoint = $5,
			price = $6::NUMERIC(20,6), active = $7, updated_at = NOW()
		WHERE id = $1
	`, svc.ID, svc.Name, svc.Description, pq.Array(svc.Keywords), svc.Endpoint, svc.Price, svc.Active)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Service, error) {
	query := `
		SELECT id, name, description, keywords, seller_address, endpoint, price, unpaid_balance, active, created_at, updated_at
		FROM services WHERE 1=1`
	args := []interface{}{}

	if filter.ActiveOnly {
		query += " AND active = TRUE"
	}
	if filter.SellerAddress != "" {
		args = append(args, filter.SellerAddress)
		query += fmt.Sprintf(" AND seller_address = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		svc := &Service{}
		var keywords pq.StringArray
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &keywords, &svc.SellerAddress,
			&svc.Endpoint, &svc.Price, &svc.UnpaidBalance, &svc.Active, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, err
		}
		svc.Keywords = keywords
		services = append(services, svc)
	}
	return services, rows.Err()
}

// IncrementUnpaid adds amount to a service's unpaid balance in one
// statement, so concurrent queries against the same service never
// lose a credit.
func (p *PostgresStore) IncrementUnpaid(ctx context.Context, id, amount string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE services SET
			unpaid_balance = unpaid_balance + $2::NUMERIC(20,6),
			updated_at     = NOW()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return fmt.Errorf("failed to increment unpaid balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// SettleUnpaid zeroes the unpaid balance and returns the prior amount.
func (p *PostgresStore) SettleUnpaid(ctx context.Context, id string) (string, error) {
	var owed string
	err := p.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT unpaid_balance FROM services WHERE id = $1 FOR UPDATE
		)
		UPDATE services SET unpaid_balance = 0, updated_at = NOW()
		WHERE id = $1
		RETURNING (SELECT unpaid_balance FROM prev)
	`, id).Scan(&owed)
	if err == sql.ErrNoRows {
		return "", ErrServiceNotFound
	}
	if err != nil {
		return "", err
	}
	return owed, nil
}
