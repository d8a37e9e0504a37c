package acctapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered user. It has no mutators; the only way to get one
// is from a create request or a stored row.
type User struct {
	id           string
	name         string
	email        string
	passwordHash string
	createdAt    time.Time
}

func NewUser(id, name, email, passwordHash string, createdAt time.Time) *User {
	return &User{
		id:           id,
		name:         name,
		email:        email,
		passwordHash: passwordHash,
		createdAt:    createdAt,
	}
}

func (u *User) ID() string { return u.id }
func (u *User) Name() string { return u.name }
func (u *User) Email() string { return u.email }
func (u *User) PasswordHash() string { return u.passwordHash }
func (u *User) CreatedAt() time.Time { return u.createdAt }

type userJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// MarshalJSON never includes the password hash.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(userJSON{
		ID:        u.id,
		Name:      u.name,
		Email:     u.email,
		CreatedAt: u.createdAt,
	})
}

// Account holds a balance owned by a user. OwnerID is not checked against
// the users table.
type Account struct {
	id        string
	balance   decimal.Decimal
	ownerID   string
	createdAt time.Time
}

func NewAccount(id string, balance decimal.Decimal, ownerID string, createdAt time.Time) *Account {
	return &Account{
		id:        id,
		balance:   balance,
		ownerID:   ownerID,
		createdAt: createdAt,
	}
}

func (a *Account) ID() string { return a.id }
func (a *Account) Balance() decimal.Decimal { return a.balance }
func (a *Account) OwnerID() string { return a.ownerID }
func (a *Account) CreatedAt() time.Time { return a.createdAt }
func (a *Account) SetBalance(b decimal.Decimal) { a.balance = b }

type accountJSON struct {
	ID        string      `json:"id"`
	Balance   json.Number `json:"balance"`
	OwnerID   string      `json:"ownerId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MarshalJSON renders balance as a JSON number rather than decimal's
// default quoted string.
func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(accountJSON{
		ID:        a.id,
		Balance:   json.Number(a.balance.String()),
		OwnerID:   a.ownerID,
		CreatedAt: a.createdAt,
	})
}

// Adjustment is one applied balance delta, kept for statements.
type Adjustment struct {
	ID           int64
	AccountID    string
	Delta        decimal.Decimal
	BalanceAfter decimal.Decimal
	CreatedAt    time.Time
}
