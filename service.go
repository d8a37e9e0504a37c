package acctapi

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/arhyth/acctapi Service

const pong = "Pong!"

type SearchUsersReq struct {
	Query string
}

type CreateUserReq struct {
	ID       string
	Name     string
	Email    string
	Password string
}

type CreateAccountReq struct {
	ID      string
	OwnerID string
}

type BalanceReq struct {
	AcctID string
}

type AdjustBalanceReq struct {
	AcctID string
	Value  decimal.Decimal
}

type StatementReq struct {
	AcctID string
}

type Service interface {
	Ping() string
	SearchUsers(context.Context, SearchUsersReq) ([]User, error)
	CreateUser(context.Context, CreateUserReq) (*User, error)
	ListAccounts(context.Context) ([]Account, error)
	CreateAccount(context.Context, CreateAccountReq) (*Account, error)
	Balance(context.Context, BalanceReq) (*decimal.Decimal, error)
	AdjustBalance(context.Context, AdjustBalanceReq) (*Account, error)
	Statement(context.Context, io.Writer, StatementReq) error
}

func NewService(repo Repository, log *zerolog.Logger) *serviceImpl {
	return &serviceImpl{
		repo: repo,
		log:  log,
		now: func() time.Time {
			// postgres timestamps keep microseconds
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

type serviceImpl struct {
	repo Repository
	log  *zerolog.Logger
	now  func() time.Time
}

var (
	_ Service = (*serviceImpl)(nil)
)

func (s *serviceImpl) Ping() string {
	return pong
}

func (s *serviceImpl) SearchUsers(ctx context.Context, req SearchUsersReq) ([]User, error) {
	return s.repo.ListUsers(ctx, req.Query)
}

func (s *serviceImpl) CreateUser(ctx context.Context, req CreateUserReq) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := NewUser(req.ID, req.Name, req.Email, string(hash), s.now())
	if err = s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Debug().Str("user", user.ID()).Msg("user created")
	return user, nil
}

func (s *serviceImpl) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	acct := NewAccount(req.ID, decimal.Zero, req.OwnerID, s.now())
	if err := s.repo.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("account", acct.ID()).
		Str("owner", acct.OwnerID()).
		Msg("account created")
	return acct, nil
}

func (s *serviceImpl) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return nil, err
	}
	bal := acct.Balance()
	return &bal, nil
}

func (s *serviceImpl) AdjustBalance(ctx context.Context, req AdjustBalanceReq) (*Account, error) {
	acct, err := s.repo.AdjustBalance(ctx, req.AcctID, req.Value)
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("account", acct.ID()).
		Stringer("delta", req.Value).
		Stringer("balance", acct.Balance()).
		Msg("balance adjusted")
	return acct, nil
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return err
	}
	adjs, err := s.repo.ListAdjustments(ctx, req.AcctID)
	if err != nil {
		return err
	}
	return renderStatement(w, acct, adjs, s.now())
}
