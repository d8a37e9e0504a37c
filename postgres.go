package acctapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

var (
	pgSelectUsersSQL = `
		SELECT id, name, email, password, created_at
		FROM users
		WHERE strpos(lower(name), lower($1)) > 0
		   OR strpos(lower(email), lower($1)) > 0
		ORDER BY created_at, id;
	`

	pgSelectUserSQL = `
		SELECT id, name, email, password, created_at
		FROM users
		WHERE id = $1;
	`

	pgInsertUserSQL = `
		INSERT INTO users (id, name, email, password, created_at)
		VALUES ($1, $2, $3, $4, $5);
	`

	pgSelectAcctsSQL = `
		SELECT id, balance, owner_id, created_at
		FROM accounts
		ORDER BY created_at, id;
	`

	pgSelectAcctSQL = `
		SELECT id, balance, owner_id, created_at
		FROM accounts
		WHERE id = $1;
	`

	pgInsertAcctSQL = `
		INSERT INTO accounts (id, balance, owner_id, created_at)
		VALUES ($1, $2, $3, $4);
	`

	pgSelectForUpdateAcctSQL = `
		SELECT id, balance, owner_id, created_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1
		WHERE id = $2;
	`

	pgInsertAdjustmentSQL = `
		INSERT INTO balance_adjustments (account_id, delta, balance_after)
		VALUES ($1, $2, $3);
	`

	pgSelectAdjustmentsSQL = `
		SELECT id, account_id, delta, balance_after, created_at
		FROM balance_adjustments
		WHERE account_id = $1
		ORDER BY id;
	`
)

type PostgresEndpoint struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, cfg *Config, log *zerolog.Logger) (*PostgresEndpoint, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pcfg.MinConns = cfg.Database.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		log:  log,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

func (pg *PostgresEndpoint) ListUsers(ctx context.Context, q string) ([]User, error) {
	rows, err := pg.pool.Query(ctx, pgSelectUsersSQL, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (pg *PostgresEndpoint) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(pg.pool.QueryRow(ctx, pgSelectUserSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{ID: id}
		}
		return nil, err
	}
	return u, nil
}

func (pg *PostgresEndpoint) CreateUser(ctx context.Context, u *User) error {
	_, err := pg.pool.Exec(ctx, pgInsertUserSQL, u.ID(), u.Name(), u.Email(), u.PasswordHash(), u.CreatedAt())
	if isUniqueViolation(err) {
		return ErrConflict{ID: u.ID()}
	}
	return err
}

func (pg *PostgresEndpoint) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := pg.pool.Query(ctx, pgSelectAcctsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *a)
	}
	return accts, rows.Err()
}

func (pg *PostgresEndpoint) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(pg.pool.QueryRow(ctx, pgSelectAcctSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{ID: id}
		}
		return nil, err
	}
	return a, nil
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, a *Account) error {
	_, err := pg.pool.Exec(ctx, pgInsertAcctSQL, a.ID(), a.Balance(), a.OwnerID(), a.CreatedAt())
	if isUniqueViolation(err) {
		return ErrConflict{ID: a.ID()}
	}
	return err
}

// AdjustBalance holds the account row lock for the whole read-add-write so
// concurrent adjustments on one account serialize instead of losing updates.
func (pg *PostgresEndpoint) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (acct *Account, err error) {
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			pg.log.Err(rerr).Str("account", id).Msg("balance adjustment rollback fail")
		}
	}()

	acct, err = scanAccount(tx.QueryRow(ctx, pgSelectForUpdateAcctSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{ID: id}
		}
		return nil, err
	}
	acct.SetBalance(acct.Balance().Add(delta))

	batch := &pgx.Batch{}
	batch.Queue(pgUpdateAcctSQL, acct.Balance(), id)
	batch.Queue(pgInsertAdjustmentSQL, id, delta, acct.Balance())
	btresults := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err = btresults.Exec(); err != nil {
			btresults.Close()
			return nil, fmt.Errorf("adjust balance of %q: %w", id, err)
		}
	}
	if err = btresults.Close(); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (pg *PostgresEndpoint) ListAdjustments(ctx context.Context, id string) ([]Adjustment, error) {
	rows, err := pg.pool.Query(ctx, pgSelectAdjustmentsSQL, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjs := []Adjustment{}
	for rows.Next() {
		var adj Adjustment
		if err = rows.Scan(&adj.ID, &adj.AccountID, &adj.Delta, &adj.BalanceAfter, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adjs = append(adjs, adj)
	}
	return adjs, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		rid, rname, remail, rpass string
		rcreated                  time.Time
	)
	if err := row.Scan(&rid, &rname, &remail, &rpass, &rcreated); err != nil {
		return nil, err
	}
	return NewUser(rid, rname, remail, rpass, rcreated.UTC()), nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		rid, rowner string
		rbal        decimal.Decimal
		rcreated    time.Time
	)
	if err := row.Scan(&rid, &rbal, &rowner, &rcreated); err != nil {
		return nil, err
	}
	return NewAccount(rid, rbal, rowner, rcreated.UTC()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
