package shield

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PendingSettlement is a withdrawn amount whose final compress step did not
// land with the trade. It stays pending until an idempotent settlement retry
// folds it back into the private balance.
type PendingSettlement struct {
	ID        int64
	Owner     solana.PublicKey
	TokenMint solana.PublicKey
	Amount    uint64
	Phase     Phase
	Reference string
	Attempts  int
	LastError string
	CreatedAt int64
}

// SettlementStore persists pending settlements across process restarts.
type SettlementStore interface {
	// RecordPending inserts the settlement once; a second call with the
	// same reference is a no-op.
	RecordPending(ctx context.Context, settlement PendingSettlement) error
	ListPending(ctx context.Context) ([]PendingSettlement, error)
	MarkSettled(ctx context.Context, id int64, signature string) error
	RecordAttempt(ctx context.Context, id int64, attemptErr string) error
	Close() error
}

type Store struct {
	db *sql.DB
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS pending_settlements (
			id BIGSERIAL PRIMARY KEY,
			owner TEXT NOT NULL,
			token_mint TEXT NOT NULL,
			amount BIGINT NOT NULL,
			phase TEXT NOT NULL,
			reference TEXT NOT NULL UNIQUE,
			attempts BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			settled_at BIGINT,
			settle_signature TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_settlements_open ON pending_settlements(owner) WHERE settled_at IS NULL;`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate pending_settlements: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordPending(ctx context.Context, settlement PendingSettlement) error {
	_, err := s.db.ExecContext(ctx, rebindPostgresPlaceholders(
		`INSERT INTO pending_settlements (owner, token_mint, amount, phase, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (reference) DO NOTHING`),
		settlement.Owner.String(),
		settlement.TokenMint.String(),
		int64(settlement.Amount),
		string(settlement.Phase),
		settlement.Reference,
		settlement.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record pending settlement: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]PendingSettlement, error) {
	rows, err := s.db.QueryContext(ctx, rebindPostgresPlaceholders(
		`SELECT id, owner, token_mint, amount, phase, reference, attempts, last_error, created_at
		 FROM pending_settlements
		 WHERE settled_at IS NULL
		 ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	defer rows.Close()

	var out []PendingSettlement
	for rows.Next() {
		var (
			settlement PendingSettlement
			owner      string
			mint       string
			amount     int64
			phase      string
		)
		if err := rows.Scan(&settlement.ID, &owner, &mint, &amount, &phase,
			&settlement.Reference, &settlement.Attempts, &settlement.LastError, &settlement.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending settlement: %w", err)
		}
		settlement.Owner, err = solana.PublicKeyFromBase58(owner)
		if err != nil {
			return nil, fmt.Errorf("parse settlement owner: %w", err)
		}
		settlement.TokenMint, err = solana.PublicKeyFromBase58(mint)
		if err != nil {
			return nil, fmt.Errorf("parse settlement mint: %w", err)
		}
		settlement.Amount = uint64(amount)
		settlement.Phase = Phase(phase)
		out = append(out, settlement)
	}
	return out, rows.Err()
}

func (s *Store) MarkSettled(ctx context.Context, id int64, signature string) error {
	_, err := s.db.ExecContext(ctx, rebindPostgresPlaceholders(
		`UPDATE pending_settlements SET settled_at = ?, settle_signature = ? WHERE id = ? AND settled_at IS NULL`),
		time.Now().Unix(), signature, id,
	)
	if err != nil {
		return fmt.Errorf("mark settlement settled: %w", err)
	}
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, id int64, attemptErr string) error {
	_, err := s.db.ExecContext(ctx, rebindPostgresPlaceholders(
		`UPDATE pending_settlements SET attempts = attempts + 1, last_error = ? WHERE id = ?`),
		attemptErr, id,
	)
	if err != nil {
		return fmt.Errorf("record settlement attempt: %w", err)
	}
	return nil
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

// MemoryStore keeps settlements in process memory. Test and dry-run use.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]PendingSettlement
	settled map[int64]string
	byRef   map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		rows:    make(map[int64]PendingSettlement),
		settled: make(map[int64]string),
		byRef:   make(map[string]int64),
	}
}

func (m *MemoryStore) RecordPending(_ context.Context, settlement PendingSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byRef[settlement.Reference]; exists {
		return nil
	}
	settlement.ID = m.nextID
	m.nextID++
	m.rows[settlement.ID] = settlement
	m.byRef[settlement.Reference] = settlement.ID
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]PendingSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingSettlement
	for id := int64(1); id < m.nextID; id++ {
		row, ok := m.rows[id]
		if !ok {
			continue
		}
		if _, done := m.settled[id]; done {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, id int64, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("settlement %d not found", id)
	}
	m.settled[id] = signature
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, id int64, attemptErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("settlement %d not found", id)
	}
	row.Attempts++
	row.LastError = attemptErr
	m.rows[id] = row
	return nil
}

func (m *MemoryStore) Close() error { return nil }
