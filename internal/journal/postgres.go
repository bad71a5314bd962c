package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if migrate {
		if err := Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, MigrationsDir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	now := s.now().UTC()
	chainIDs := make([]int64, len(rec.SourceChainIDs))
	for i, id := range rec.SourceChainIDs {
		chainIDs[i] = int64(id)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfers (id, source_chain_ids, amounts, destination_chain_id,
			destination_address, state, error, mint_tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		rec.ID, chainIDs, rec.Amounts, int64(rec.DestinationChainID),
		rec.DestinationAddress, rec.State, rec.Error, rec.MintTxHash, now,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}

	for _, b := range rec.Burns {
		if err := s.AppendBurn(ctx, rec.ID, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) AppendBurn(ctx context.Context, id string, burn Burn) error {
	now := s.now().UTC()
	created := burn.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO transfer_burns (transfer_id, source_chain_id, amount, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transfer_id, source_chain_id) DO NOTHING`,
		id, int64(burn.SourceChainID), burn.Amount, burn.TransactionHash, created,
	)
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("insert burn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d in transfer %s", ErrDuplicateBurn, burn.SourceChainID, id)
	}
	if _, err := tx.Exec(ctx, `UPDATE transfers SET updated_at = $2 WHERE id = $1`, id, now); err != nil {
		return fmt.Errorf("touch transfer: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, upd StateUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transfers SET
			state        = COALESCE(NULLIF($2, ''), state),
			error        = COALESCE(NULLIF($3, ''), error),
			mint_tx_hash = COALESCE(NULLIF($4, ''), mint_tx_hash),
			updated_at   = $5
		WHERE id = $1`,
		id, upd.State, upd.Error, upd.MintTxHash, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectTransfer = `
	SELECT id, source_chain_ids, amounts, destination_chain_id, destination_address,
		state, error, mint_tx_hash, created_at, updated_at
	FROM transfers`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		chainIDs []int64
		destID   int64
	)
	err := row.Scan(&rec.ID, &chainIDs, &rec.Amounts, &destID, &rec.DestinationAddress,
		&rec.State, &rec.Error, &rec.MintTxHash, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.SourceChainIDs = make([]uint64, len(chainIDs))
	for i, id := range chainIDs {
		rec.SourceChainIDs[i] = uint64(id)
	}
	rec.DestinationChainID = uint64(destID)
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectTransfer+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get transfer: %w", err)
	}
	burns, err := s.burns(ctx, []string{id})
	if err != nil {
		return Record{}, err
	}
	rec.Burns = burns[id]
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	query := selectTransfer + ` ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var (
		out []Record
		ids []string
	)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	burns, err := s.burns(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Burns = burns[out[i].ID]
	}
	return out, nil
}

func (s *PostgresStore) burns(ctx context.Context, ids []string) (map[string][]Burn, error) {
	out := make(map[string][]Burn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT transfer_id, source_chain_id, amount, tx_hash, created_at
		FROM transfer_burns WHERE transfer_id = ANY($1)
		ORDER BY created_at, source_chain_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load burns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			chainID int64
			b       Burn
		)
		if err := rows.Scan(&id, &chainID, &b.Amount, &b.TransactionHash, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan burn: %w", err)
		}
		b.SourceChainID = uint64(chainID)
		out[id] = append(out[id], b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
