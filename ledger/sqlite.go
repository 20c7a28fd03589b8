package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteLedger implements Ledger on a SQLite database. The UNIQUE index on
// signature_hash makes RecordVerified the race-safe serialization point for
// concurrent identical payments.
type SQLiteLedger struct {
	db *sql.DB
}

// Open creates or opens a SQLite payment ledger at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// IsSignatureUsed reports whether a record exists for the signature hash.
func (l *SQLiteLedger) IsSignatureUsed(ctx context.Context, signatureHash string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM payments WHERE signature_hash = ?)
	`, signatureHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check signature: %w", err)
	}
	return exists, nil
}

// RecordVerified inserts the record with status=verified. The insert relies
// on the storage-level UNIQUE index, not a prior existence check, so exactly
// one of any number of concurrent identical payments wins.
func (l *SQLiteLedger) RecordVerified(ctx context.Context, record *PaymentRecord) error {
	record.Status = StatusVerified
	if record.VerifiedAt.IsZero() {
		record.VerifiedAt = time.Now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.VerifiedAt
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO payments
		(id, signature_hash, payer_address, amount_atomic, asset_id, network_id,
		 pay_to_address, tool_id, linked_operation_id, cost_usd, paid_usd,
		 status, verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.SignatureHash,
		record.PayerAddress,
		record.AmountAtomic,
		record.AssetID,
		record.NetworkID,
		record.PayToAddress,
		record.ToolID,
		nullable(record.LinkedOperationID),
		record.CostUSD,
		record.PaidUSD,
		string(record.Status),
		record.VerifiedAt,
		record.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("record verified: %w", err)
	}

	return nil
}

// MarkSettled transitions verified -> settled and stores the transaction hash.
func (l *SQLiteLedger) MarkSettled(ctx context.Context, signatureHash, transactionHash string) error {
	return l.transition(ctx, signatureHash, `
		UPDATE payments
		SET status = ?, settlement_tx_hash = ?, settled_at = ?
		WHERE signature_hash = ? AND status = ?
	`, string(StatusSettled), transactionHash, time.Now().UTC(), signatureHash, string(StatusVerified))
}

// MarkFailed transitions verified -> failed and stores the failure reason.
func (l *SQLiteLedger) MarkFailed(ctx context.Context, signatureHash, reason string) error {
	return l.transition(ctx, signatureHash, `
		UPDATE payments
		SET status = ?, failure_reason = ?, failed_at = ?
		WHERE signature_hash = ? AND status = ?
	`, string(StatusFailed), reason, time.Now().UTC(), signatureHash, string(StatusVerified))
}

// MarkUnsettled transitions verified -> unsettled and stores the settlement
// error for reconciliation.
func (l *SQLiteLedger) MarkUnsettled(ctx context.Context, signatureHash, settlementError string) error {
	return l.transition(ctx, signatureHash, `
		UPDATE payments
		SET status = ?, settlement_error = ?
		WHERE signature_hash = ? AND status = ?
	`, string(StatusUnsettled), settlementError, signatureHash, string(StatusVerified))
}

// transition runs a guarded status update. Zero rows affected means the
// record is missing or already terminal.
func (l *SQLiteLedger) transition(ctx context.Context, signatureHash, query string, args ...any) error {
	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition %s: %w", signatureHash, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s: rows affected: %w", signatureHash, err)
	}
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FindBySignature returns the full record for a signature hash.
func (l *SQLiteLedger) FindBySignature(ctx context.Context, signatureHash string) (*PaymentRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, signature_hash, payer_address, amount_atomic, asset_id,
		       network_id, pay_to_address, tool_id, linked_operation_id,
		       cost_usd, paid_usd, status, failure_reason, settlement_tx_hash,
		       settlement_error, verified_at, settled_at, failed_at, created_at
		FROM payments
		WHERE signature_hash = ?
	`, signatureHash)

	var (
		rec             PaymentRecord
		linkedOp        sql.NullString
		failureReason   sql.NullString
		settlementTx    sql.NullString
		settlementError sql.NullString
		settledAt       sql.NullTime
		failedAt        sql.NullTime
		status          string
	)
	err := row.Scan(
		&rec.ID, &rec.SignatureHash, &rec.PayerAddress, &rec.AmountAtomic,
		&rec.AssetID, &rec.NetworkID, &rec.PayToAddress, &rec.ToolID,
		&linkedOp, &rec.CostUSD, &rec.PaidUSD, &status, &failureReason,
		&settlementTx, &settlementError, &rec.VerifiedAt, &settledAt,
		&failedAt, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by signature: %w", err)
	}

	rec.Status = Status(status)
	rec.LinkedOperationID = linkedOp.String
	rec.FailureReason = failureReason.String
	rec.SettlementTxHash = settlementTx.String
	rec.SettlementError = settlementError.String
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}

	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
