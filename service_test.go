package acctapi_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/arhyth/acctapi"
	"github.com/arhyth/acctapi/mocks"
)

func TestPing(t *testing.T) {
	log := zerolog.Nop()
	ctrl := gomock.NewController(t)
	svc := acctapi.NewService(mocks.NewMockRepository(ctrl), &log)
	assert.Equal(t, "Pong!", svc.Ping())
}

func TestCreateUser(t *testing.T) {
	t.Run("stores hashed password and creation time", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)

		var stored *acctapi.User
		repo.EXPECT().
			CreateUser(gomock.Any(), gomock.AssignableToTypeOf(&acctapi.User{})).
			DoAndReturn(func(_ context.Context, u *acctapi.User) error {
				stored = u
				return nil
			}).
			Times(1)

		before := time.Now().UTC().Add(-time.Second)
		user, err := svc.CreateUser(context.Background(), acctapi.CreateUserReq{
			ID:       "u1",
			Name:     "Astrodev",
			Email:    "astrodev@example.com",
			Password: "astrodev99",
		})
		reqrd.Nil(err)
		reqrd.NotNil(user)
		as.Same(stored, user)
		as.Equal("u1", user.ID())
		as.NotEqual("astrodev99", user.PasswordHash())
		as.Nil(bcrypt.CompareHashAndPassword([]byte(user.PasswordHash()), []byte("astrodev99")))
		as.NotNil(bcrypt.CompareHashAndPassword([]byte(user.PasswordHash()), []byte("wrong")))
		as.True(user.CreatedAt().After(before))
		as.Equal(time.UTC, user.CreatedAt().Location())
	})

	t.Run("passes conflict through", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			CreateUser(gomock.Any(), gomock.Any()).
			Return(acctapi.ErrConflict{ID: "u1"})

		user, err := svc.CreateUser(context.Background(), acctapi.CreateUserReq{ID: "u1", Password: "p"})
		as.Nil(user)
		as.ErrorAs(err, &acctapi.ErrConflict{})
	})
}

func TestCreateAccount(t *testing.T) {
	t.Run("starts with zero balance", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			CreateAccount(gomock.Any(), gomock.AssignableToTypeOf(&acctapi.Account{})).
			DoAndReturn(func(_ context.Context, a *acctapi.Account) error {
				as.True(a.Balance().IsZero())
				return nil
			})

		acct, err := svc.CreateAccount(context.Background(), acctapi.CreateAccountReq{ID: "a1", OwnerID: "u1"})
		reqrd.Nil(err)
		as.Equal("a1", acct.ID())
		as.Equal("u1", acct.OwnerID())
		as.True(acct.Balance().IsZero())
	})
}

func TestBalance(t *testing.T) {
	t.Run("returns decimal.Decimal amount on success", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			GetAccount(gomock.Any(), "a1").
			Return(acctapi.NewAccount("a1", decimal.NewFromInt(30), "u1", created), nil)

		bal, err := svc.Balance(context.Background(), acctapi.BalanceReq{AcctID: "a1"})
		reqrd.Nil(err)
		as.True(decimal.NewFromInt(30).Equal(*bal))
	})

	t.Run("returns not found", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			GetAccount(gomock.Any(), "nope").
			Return(nil, acctapi.ErrNotFound{ID: "nope"})

		bal, err := svc.Balance(context.Background(), acctapi.BalanceReq{AcctID: "nope"})
		as.Nil(bal)
		as.ErrorAs(err, &acctapi.ErrNotFound{})
	})
}

func TestAdjustBalance(t *testing.T) {
	t.Run("delegates delta to repository", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		delta := decimal.NewFromInt(-20)
		repo.EXPECT().
			AdjustBalance(gomock.Any(), "a1", delta).
			Return(acctapi.NewAccount("a1", decimal.NewFromInt(30), "u1", created), nil)

		acct, err := svc.AdjustBalance(context.Background(), acctapi.AdjustBalanceReq{AcctID: "a1", Value: delta})
		reqrd.Nil(err)
		as.Equal("30", acct.Balance().String())
	})
}

func TestStatement(t *testing.T) {
	t.Run("renders PDF with adjustments", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			GetAccount(gomock.Any(), "a1").
			Return(acctapi.NewAccount("a1", decimal.NewFromInt(30), "u1", created), nil)
		repo.EXPECT().
			ListAdjustments(gomock.Any(), "a1").
			Return([]acctapi.Adjustment{
				{ID: 1, AccountID: "a1", Delta: decimal.NewFromInt(50), BalanceAfter: decimal.NewFromInt(50), CreatedAt: created},
				{ID: 2, AccountID: "a1", Delta: decimal.NewFromInt(-20), BalanceAfter: decimal.NewFromInt(30), CreatedAt: created},
			}, nil)

		buf := new(bytes.Buffer)
		reqrd.Nil(svc.Statement(context.Background(), buf, acctapi.StatementReq{AcctID: "a1"}))
		as.True(bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	})

	t.Run("does not render for unknown account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		repo.EXPECT().
			GetAccount(gomock.Any(), "nope").
			Return(nil, acctapi.ErrNotFound{ID: "nope"})

		buf := new(bytes.Buffer)
		err := svc.Statement(context.Background(), buf, acctapi.StatementReq{AcctID: "nope"})
		as.ErrorAs(err, &acctapi.ErrNotFound{})
		as.Zero(buf.Len())
	})

	t.Run("surfaces store errors", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		svc := acctapi.NewService(repo, &log)
		boom := errors.New("connection reset")
		repo.EXPECT().
			GetAccount(gomock.Any(), "a1").
			Return(acctapi.NewAccount("a1", decimal.Zero, "u1", created), nil)
		repo.EXPECT().
			ListAdjustments(gomock.Any(), "a1").
			Return(nil, boom)

		err := svc.Statement(context.Background(), new(bytes.Buffer), acctapi.StatementReq{AcctID: "a1"})
		as.ErrorIs(err, boom)
	})
}
