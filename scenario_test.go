package acctapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arhyth/acctapi"
)

// memRepo is a Repository kept in maps, enough to drive the full handler
// stack without a database.
type memRepo struct {
	mu    sync.Mutex
	users map[string]acctapi.User
	accts map[string]acctapi.Account
	order []string
	adjs  map[string][]acctapi.Adjustment
	seq   int64
}

var _ acctapi.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		users: map[string]acctapi.User{},
		accts: map[string]acctapi.Account{},
		adjs:  map[string][]acctapi.Adjustment{},
	}
}

func (m *memRepo) ListUsers(_ context.Context, q string) ([]acctapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q = strings.ToLower(q)
	users := []acctapi.User{}
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.Name()), q) || strings.Contains(strings.ToLower(u.Email()), q) {
			users = append(users, u)
		}
	}
	return users, nil
}

func (m *memRepo) GetUser(_ context.Context, id string) (*acctapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, acctapi.ErrNotFound{ID: id}
	}
	return &u, nil
}

func (m *memRepo) CreateUser(_ context.Context, u *acctapi.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID()]; ok {
		return acctapi.ErrConflict{ID: u.ID()}
	}
	m.users[u.ID()] = *u
	return nil
}

func (m *memRepo) ListAccounts(_ context.Context) ([]acctapi.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accts := []acctapi.Account{}
	for _, id := range m.order {
		accts = append(accts, m.accts[id])
	}
	return accts, nil
}

func (m *memRepo) GetAccount(_ context.Context, id string) (*acctapi.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, acctapi.ErrNotFound{ID: id}
	}
	return &a, nil
}

func (m *memRepo) CreateAccount(_ context.Context, a *acctapi.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accts[a.ID()]; ok {
		return acctapi.ErrConflict{ID: a.ID()}
	}
	m.accts[a.ID()] = *a
	m.order = append(m.order, a.ID())
	return nil
}

func (m *memRepo) AdjustBalance(_ context.Context, id string, delta decimal.Decimal) (*acctapi.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, acctapi.ErrNotFound{ID: id}
	}
	a.SetBalance(a.Balance().Add(delta))
	m.accts[id] = a
	m.seq++
	m.adjs[id] = append(m.adjs[id], acctapi.Adjustment{
		ID:           m.seq,
		AccountID:    id,
		Delta:        delta,
		BalanceAfter: a.Balance(),
		CreatedAt:    time.Now().UTC(),
	})
	return &a, nil
}

func (m *memRepo) ListAdjustments(_ context.Context, id string) ([]acctapi.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]acctapi.Adjustment{}, m.adjs[id]...), nil
}

func newStack(t *testing.T) http.Handler {
	t.Helper()
	log := zerolog.Nop()
	node, err := snowflake.NewNode(1)
	require.Nil(t, err)

	svc := acctapi.Chain(acctapi.NewService(newMemRepo(), &log),
		acctapi.NewLoggingMiddleware(&log),
		acctapi.NewValidationMiddleware(),
		acctapi.NewLimitMiddleware(acctapi.NewServiceLimits(acctapi.LimitsConfig{Default: 8}), time.Second),
		acctapi.NewCircuitBreakMiddleware(acctapi.NewServiceBreaker(acctapi.BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             time.Minute,
			ConsecutiveFailures: 5,
		}, &log)),
	)
	return acctapi.NewHTTPHandler(svc, &log, acctapi.HTTPOptions{
		Node:           node,
		RequestTimeout: 5 * time.Second,
		AllowedOrigins: []string{"*"},
	})
}

func decodeBody(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	out := map[string]any{}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	require.Nil(t, dec.Decode(&out))
	return out
}

func TestScenarioBalanceAdjustments(t *testing.T) {
	as := assert.New(t)
	reqrd := require.New(t)
	hndlr := newStack(t)

	w := serve(hndlr, http.MethodPost, "/accounts", strings.NewReader(`{"id":"a1","ownerId":"u1"}`))
	reqrd.Equal(http.StatusCreated, w.Code)
	as.Equal(json.Number("0"), decodeBody(t, w.Body)["balance"])

	w = serve(hndlr, http.MethodPut, "/accounts/a1/balance", strings.NewReader(`{"value":50}`))
	reqrd.Equal(http.StatusOK, w.Code)
	as.Equal(json.Number("50"), decodeBody(t, w.Body)["balance"])

	w = serve(hndlr, http.MethodPut, "/accounts/a1/balance", strings.NewReader(`{"value":-20}`))
	reqrd.Equal(http.StatusOK, w.Code)
	as.Equal(json.Number("30"), decodeBody(t, w.Body)["balance"])

	w = serve(hndlr, http.MethodGet, "/accounts/a1/balance", nil)
	reqrd.Equal(http.StatusOK, w.Code)
	as.JSONEq(`{"balance":30}`, w.Body.String())

	w = serve(hndlr, http.MethodGet, "/accounts/a1/statement", nil)
	reqrd.Equal(http.StatusOK, w.Code)
	as.Equal("application/pdf", w.Header().Get("Content-Type"))
	as.True(bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))
}

func TestScenarioErrors(t *testing.T) {
	as := assert.New(t)
	reqrd := require.New(t)
	hndlr := newStack(t)

	w := serve(hndlr, http.MethodPost, "/users", strings.NewReader(
		`{"id":"u1","name":"Astrodev","email":"astrodev@example.com","password":"astrodev99"}`))
	reqrd.Equal(http.StatusCreated, w.Code)
	as.NotContains(w.Body.String(), "password")
	createdUser := decodeBody(t, w.Body)

	w = serve(hndlr, http.MethodPost, "/users", strings.NewReader(
		`{"id":"u1","name":"Other","email":"other@example.com","password":"x"}`))
	as.Equal(http.StatusBadRequest, w.Code)
	as.Equal("u1", decodeBody(t, w.Body)["id"])

	w = serve(hndlr, http.MethodPost, "/users", strings.NewReader(
		`{"id":"","name":"Other","email":"other@example.com","password":"x"}`))
	as.Equal(http.StatusBadRequest, w.Code)
	as.Contains(decodeBody(t, w.Body), "fields")

	// the rejected duplicate left u1 as first created
	for _, q := range []string{"ASTRO", "astrodev@"} {
		w = serve(hndlr, http.MethodGet, "/users?q="+q, nil)
		reqrd.Equal(http.StatusOK, w.Code)
		users := []map[string]any{}
		dec := json.NewDecoder(w.Body)
		dec.UseNumber()
		reqrd.Nil(dec.Decode(&users))
		reqrd.Len(users, 1, q)
		as.Equal(createdUser, users[0], q)
	}

	w = serve(hndlr, http.MethodGet, "/users?q=other", nil)
	reqrd.Equal(http.StatusOK, w.Code)
	as.JSONEq(`[]`, w.Body.String())

	w = serve(hndlr, http.MethodGet, "/accounts/missing/balance", nil)
	as.Equal(http.StatusNotFound, w.Code)

	w = serve(hndlr, http.MethodPut, "/accounts/missing/balance", strings.NewReader(`{"value":1}`))
	as.Equal(http.StatusNotFound, w.Code)

	w = serve(hndlr, http.MethodPut, "/accounts/missing/balance", strings.NewReader(`{"value":"1"}`))
	as.Equal(http.StatusBadRequest, w.Code)

	w = serve(hndlr, http.MethodGet, "/accounts", nil)
	reqrd.Equal(http.StatusOK, w.Code)
	as.JSONEq(`[]`, w.Body.String())
}

func TestScenarioOversizedDelta(t *testing.T) {
	as := assert.New(t)
	reqrd := require.New(t)
	hndlr := newStack(t)

	w := serve(hndlr, http.MethodPost, "/accounts", strings.NewReader(`{"id":"a1","ownerId":"u1"}`))
	reqrd.Equal(http.StatusCreated, w.Code)

	for _, body := range []string{`{"value":1e20000000}`, `{"value":0e999999}`, `{"value":1e-20000}`} {
		w = serve(hndlr, http.MethodPut, "/accounts/a1/balance", strings.NewReader(body))
		as.Equal(http.StatusBadRequest, w.Code, body)
		resp := map[string]map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Contains(resp["fields"], "value", body)
	}

	w = serve(hndlr, http.MethodGet, "/accounts/a1/balance", nil)
	reqrd.Equal(http.StatusOK, w.Code)
	as.JSONEq(`{"balance":0}`, w.Body.String())
}
