package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// CheckpointStore persists the last fully processed block so a restart
// resumes where the previous run stopped instead of from the chain head.
type CheckpointStore interface {
	// Load returns the checkpoint, or 0 when none has been saved.
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, block uint64) error
}

// MemoryCheckpointStore keeps the checkpoint in process memory.
type MemoryCheckpointStore struct {
	mu    sync.Mutex
	block uint64
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{}
}

func (s *MemoryCheckpointStore) Load(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, nil
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = block
	return nil
}

// PostgresCheckpointStore persists the checkpoint in the
// listener_checkpoints table, one row per listener name.
type PostgresCheckpointStore struct {
	db   *sql.DB
	name string
}

var _ CheckpointStore = (*PostgresCheckpointStore)(nil)

func NewPostgresCheckpointStore(db *sql.DB, name string) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db, name: name}
}

func (s *PostgresCheckpointStore) Load(ctx context.Context) (uint64, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block_number FROM listener_checkpoints WHERE name = $1`,
		s.name,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return uint64(block), nil
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listener_checkpoints (name, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET block_number = EXCLUDED.block_number, updated_at = NOW()`,
		s.name, int64(block),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
