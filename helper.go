package acctapi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// LocalHelper prepares a development or test database: schema, teardown
// and demo rows. SQL files are read from testdata relative to the working
// directory.
type LocalHelper struct {
	Conn *pgx.Conn
	Seed SeedConfig
}

type seedUser struct {
	ID, Name, Email, PasswordHash string
}

type seedAccount struct {
	ID, OwnerID string
	Balance     decimal.Decimal
}

func NewLocalHelper(ctx context.Context, cfg *Config) (*LocalHelper, error) {
	conn, err := pgx.Connect(ctx, cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	return &LocalHelper{
		Conn: conn,
		Seed: cfg.Seed,
	}, nil
}

// InitDB creates the tables if missing and returns a func that drops them
// and closes the connection.
func (lh *LocalHelper) InitDB(ctx context.Context) (func(), error) {
	initSQLpath := filepath.Join("testdata", "init_db.sql")
	bits, err := os.ReadFile(initSQLpath)
	if err != nil {
		return nil, err
	}
	if _, err = lh.Conn.Exec(ctx, string(bits)); err != nil {
		return nil, err
	}
	return lh.teardownDB(), err
}

// SeedDemoData inserts the configured users and accounts, skipping ids that
// already exist.
func (lh *LocalHelper) SeedDemoData(ctx context.Context) error {
	data := struct {
		Users    []seedUser
		Accounts []seedAccount
	}{}
	for _, u := range lh.Seed.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password of seed user %q: %w", u.ID, err)
		}
		data.Users = append(data.Users, seedUser{
			ID:           u.ID,
			Name:         u.Name,
			Email:        u.Email,
			PasswordHash: string(hash),
		})
	}
	for _, a := range lh.Seed.Accounts {
		bal := decimal.Zero
		if a.Balance != "" {
			var err error
			if bal, err = decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("balance of seed account %q: %w", a.ID, err)
			}
		}
		data.Accounts = append(data.Accounts, seedAccount{
			ID:      a.ID,
			OwnerID: a.OwnerID,
			Balance: bal,
		})
	}

	funcMap := template.FuncMap{
		"quote": quoteLiteral,
	}
	seedPath := filepath.Join("testdata", "seed_demo.tmpl")
	bits, err := os.ReadFile(seedPath)
	if err != nil {
		return err
	}
	tmpl, err := template.New("seed_demo").Funcs(funcMap).Parse(string(bits))
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err = tmpl.Execute(buf, data); err != nil {
		return err
	}
	if strings.TrimSpace(buf.String()) == "" {
		return nil
	}

	_, err = lh.Conn.Exec(ctx, buf.String())
	return err
}

func (lh *LocalHelper) Close(ctx context.Context) error {
	return lh.Conn.Close(ctx)
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		defer lh.Conn.Close(context.Background())

		tearSQLpath := filepath.Join("testdata", "teardown_db.sql")
		bits, err := os.ReadFile(tearSQLpath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup read teardown sql: %s", err.Error())
			return
		}
		if _, err = lh.Conn.Exec(context.Background(), string(bits)); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
			return
		}
	}
}

// quoteLiteral renders s as a standard-conforming SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
