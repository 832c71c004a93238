package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/fhemarket/internal/tasks"
)

const pgUniqueViolation = "23505"

// PostgresRegistry keeps the registry in a shared PostgreSQL database so that
// several clients can run against the same devnet ledger. Each accepted write
// is a committed database transaction and is final immediately.
type PostgresRegistry struct {
	pool     *pgxpool.Pool
	address  string
	verifier ProofVerifier
}

func NewPostgresRegistry(ctx context.Context, databaseURL, address string) (*PostgresRegistry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid registry address %q", address)
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRegistrySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRegistry{pool: pool, address: common.HexToAddress(address).Hex()}, nil
}

func initRegistrySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry_tasks (
			registry TEXT NOT NULL,
			id TEXT NOT NULL,
			seq BIGSERIAL,
			name TEXT NOT NULL,
			encrypted_handle TEXT NOT NULL,
			input_proof BYTEA NOT NULL,
			public_value1 BIGINT NOT NULL DEFAULT 0,
			public_value2 BIGINT NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			creator TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			is_verified BOOLEAN NOT NULL DEFAULT FALSE,
			decrypted_value BIGINT NOT NULL DEFAULT 0,
			decryption_proof BYTEA NULL,
			PRIMARY KEY (registry, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_registry_tasks_seq ON registry_tasks (registry, seq);`,
		`CREATE TABLE IF NOT EXISTS registry_transactions (
			block BIGSERIAL PRIMARY KEY,
			tx_hash TEXT NOT NULL UNIQUE,
			registry TEXT NOT NULL,
			method TEXT NOT NULL,
			task_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init registry schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SetProofVerifier installs the check run by SubmitVerification. Call it
// before the registry is shared.
func (r *PostgresRegistry) SetProofVerifier(v ProofVerifier) {
	r.verifier = v
}

func (r *PostgresRegistry) Address() string { return r.address }

func (r *PostgresRegistry) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM registry_tasks WHERE registry=$1 ORDER BY seq ASC`,
		r.address,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list task ids: %v", ErrTransport, err)
	}
	defer rows.Close()

	ids := make([]string, 0, 32)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan task id: %v", ErrTransport, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate task ids: %v", ErrTransport, err)
	}
	return ids, nil
}

func (r *PostgresRegistry) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, encrypted_handle, public_value1, public_value2, description,
		        creator, created_at, is_verified, decrypted_value
		   FROM registry_tasks WHERE registry=$1 AND id=$2`,
		r.address, id,
	)
	var t tasks.Task
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.EncryptedValueHandle,
		&t.PublicValue1,
		&t.PublicValue2,
		&t.Description,
		&t.Creator,
		&t.Timestamp,
		&t.IsVerified,
		&t.DecryptedValue,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tasks.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return tasks.Task{}, fmt.Errorf("%w: get task: %v", ErrTransport, err)
	}
	return t.Normalize(), nil
}

func (r *PostgresRegistry) GetEncryptedHandle(ctx context.Context, id string) (string, error) {
	var handle string
	err := r.pool.QueryRow(ctx,
		`SELECT encrypted_handle FROM registry_tasks WHERE registry=$1 AND id=$2`,
		r.address, id,
	).Scan(&handle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("%w: get encrypted handle: %v", ErrTransport, err)
	}
	return handle, nil
}

func (r *PostgresRegistry) IsAvailable(ctx context.Context) (bool, error) {
	if err := r.pool.Ping(ctx); err != nil {
		return false, fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}
	return true, nil
}

func (r *PostgresRegistry) Writer(signer string) (Writer, error) {
	if !common.IsHexAddress(signer) {
		return nil, fmt.Errorf("invalid signer address %q", signer)
	}
	return &postgresWriter{reg: r, signer: common.HexToAddress(signer).Hex()}, nil
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}

// recordTx appends a transaction row inside tx and returns its receipt.
func (r *PostgresRegistry) recordTx(ctx context.Context, tx pgx.Tx, method, taskID, sender string) (Receipt, error) {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], uint64(time.Now().UnixNano()))
	hash := hexutil.Encode(crypto.Keccak256([]byte(r.address), []byte(method), []byte(taskID), []byte(sender), nonce[:]))

	var block int64
	err := tx.QueryRow(ctx,
		`INSERT INTO registry_transactions (tx_hash, registry, method, task_id, sender)
		 VALUES ($1,$2,$3,$4,$5) RETURNING block`,
		hash, r.address, method, taskID, sender,
	).Scan(&block)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: record transaction: %v", ErrTransport, err)
	}
	return Receipt{TxHash: hash, BlockNumber: uint64(block), Success: true}, nil
}

type postgresWriter struct {
	reg    *PostgresRegistry
	signer string
}

func (w *postgresWriter) Signer() string { return w.signer }

func (w *postgresWriter) SubmitTask(ctx context.Context, req SubmitTaskRequest) (Pending, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrReverted)
	}
	if req.EncryptedHandle == "" || len(req.InputProof) == 0 {
		return nil, fmt.Errorf("%w: missing encrypted input", ErrReverted)
	}

	tx, err := w.reg.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrTransport, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO registry_tasks (
			registry, id, name, encrypted_handle, input_proof, public_value1, public_value2,
			description, creator, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		w.reg.address,
		req.ID,
		req.Name,
		req.EncryptedHandle,
		req.InputProof,
		req.PublicValue1,
		req.PublicValue2,
		req.Description,
		w.signer,
		time.Now().Unix(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: task %s already exists", ErrReverted, req.ID)
		}
		return nil, fmt.Errorf("%w: insert task: %v", ErrTransport, err)
	}

	receipt, err := w.reg.recordTx(ctx, tx, "createTask", req.ID, w.signer)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit tx: %v", ErrTransport, err)
	}
	return confirmed{receipt: receipt}, nil
}

func (w *postgresWriter) SubmitVerification(ctx context.Context, id string, abiEncodedClearValues, proof []byte) (Pending, error) {
	tx, err := w.reg.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrTransport, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		handle   string
		verified bool
	)
	err = tx.QueryRow(ctx,
		`SELECT encrypted_handle, is_verified FROM registry_tasks
		  WHERE registry=$1 AND id=$2 FOR UPDATE`,
		w.reg.address, id,
	).Scan(&handle, &verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: check task: %v", ErrTransport, err)
	}
	if verified {
		return nil, ErrAlreadyVerified
	}
	value, err := checkAnchor(w.reg.verifier, handle, abiEncodedClearValues, proof)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE registry_tasks
		    SET is_verified=TRUE, decrypted_value=$3, decryption_proof=$4
		  WHERE registry=$1 AND id=$2`,
		w.reg.address, id, value, proof,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: verify task: %v", ErrTransport, err)
	}

	receipt, err := w.reg.recordTx(ctx, tx, "verifyDecryption", id, w.signer)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit tx: %v", ErrTransport, err)
	}
	return confirmed{receipt: receipt}, nil
}
