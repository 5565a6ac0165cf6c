package mbom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger stores attestation records in Postgres for deployments
// where receipts must be queryable across hosts. Same append-only contract
// as the file ledger; record_id uniqueness rejects accidental re-appends.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

const createAttestationsTable = `
CREATE TABLE IF NOT EXISTS attestations (
	seq        BIGSERIAL PRIMARY KEY,
	record_id  TEXT NOT NULL UNIQUE,
	batch_id   TEXT NOT NULL,
	approver   TEXT NOT NULL,
	signed_at  TEXT NOT NULL,
	record     JSONB NOT NULL
)`

// NewPostgresLedger connects to the database and ensures the schema exists.
func NewPostgresLedger(ctx context.Context, url string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, createAttestationsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create attestations table: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Append inserts one signed record.
func (l *PostgresLedger) Append(ctx context.Context, record AttestationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO attestations (record_id, batch_id, approver, signed_at, record)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.RecordID, record.BatchID, record.Approver, record.Timestamp, data)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Get fetches one record by identifier.
func (l *PostgresLedger) Get(ctx context.Context, recordID string) (AttestationRecord, error) {
	var data []byte
	err := l.pool.QueryRow(ctx,
		`SELECT record FROM attestations WHERE record_id = $1`, recordID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return AttestationRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err != nil {
		return AttestationRecord{}, fmt.Errorf("query record: %w", err)
	}
	var record AttestationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return AttestationRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// List returns all records in append order.
func (l *PostgresLedger) List(ctx context.Context) ([]AttestationRecord, error) {
	rows, err := l.pool.Query(ctx, `SELECT record FROM attestations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var records []AttestationRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var record AttestationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return records, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
