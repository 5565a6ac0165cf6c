package mbom

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is append-only storage for attestation records. Records are never
// mutated after signing; the ledger only grows.
type Ledger interface {
	Append(ctx context.Context, record AttestationRecord) error
	Get(ctx context.Context, recordID string) (AttestationRecord, error)
	List(ctx context.Context) ([]AttestationRecord, error)
	Close() error
}

// ErrRecordNotFound is returned by Get when no record carries the requested
// identifier.
var ErrRecordNotFound = errors.New("attestation record not found")

// FileLedger stores one JSON record per line. JSONL keeps the ledger
// greppable and lets a truncated tail corrupt at most one record.
type FileLedger struct {
	mu   sync.Mutex
	path string
}

// NewFileLedger creates the ledger file's directory if needed.
func NewFileLedger(path string) (*FileLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	return &FileLedger{path: path}, nil
}

// Append writes one record as a JSON line, fsynced before returning so a
// signed receipt is durable once Append succeeds.
func (l *FileLedger) Append(ctx context.Context, record AttestationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// List reads all records in append order. Unparseable lines are logged and
// skipped rather than failing the whole read; signature validation is the
// arbiter of record integrity, not this loader.
func (l *FileLedger) List(ctx context.Context) ([]AttestationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return []AttestationRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []AttestationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record AttestationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			log.Printf("[WARN] ledger %s line %d unparseable, skipping: %v", l.path, lineNo, err)
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return records, nil
}

// Get scans the ledger for one record by identifier.
func (l *FileLedger) Get(ctx context.Context, recordID string) (AttestationRecord, error) {
	records, err := l.List(ctx)
	if err != nil {
		return AttestationRecord{}, err
	}
	for _, record := range records {
		if record.RecordID == recordID {
			return record, nil
		}
	}
	return AttestationRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
}

// Close is a no-op; the file is opened per operation.
func (l *FileLedger) Close() error { return nil }
