package acctapi

import (
	"context"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/arhyth/acctapi Repository

type Repository interface {
	ListUsers(ctx context.Context, q string) ([]User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, a *Account) error
	// AdjustBalance adds delta to the stored balance and returns the
	// account as persisted.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (*Account, error)
	ListAdjustments(ctx context.Context, id string) ([]Adjustment, error)
}
