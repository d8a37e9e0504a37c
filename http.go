package acctapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type balanceJSONResp struct {
	Balance json.Number `json:"balance"`
}

type pingJSONResp struct {
	Message string `json:"message"`
}

// HTTPOptions tunes the router middlewares. The zero value is usable.
type HTTPOptions struct {
	Node           *snowflake.Node
	RequestTimeout time.Duration
	AllowedOrigins []string
}

func NewHTTPHandler(svc Service, log *zerolog.Logger, opts HTTPOptions) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	node := opts.Node
	if node == nil {
		// node 0 is always in range
		node, _ = snowflake.NewNode(0)
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux := chi.NewMux()
	mux.Use(RequestID(node))
	mux.Use(Recoverer(log))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         300,
	}))
	if opts.RequestTimeout > 0 {
		mux.Use(middleware.Timeout(opts.RequestTimeout))
	}
	mux.NotFound(HTTPNotFound)
	mux.MethodNotAllowed(HTTPMethodNotAllowed)

	mux.Get("/ping", hndlr.Ping)
	mux.Route("/users", func(r chi.Router) {
		r.Get("/", hndlr.SearchUsers)
		r.Post("/", hndlr.CreateUser)
	})
	mux.Route("/accounts", func(r chi.Router) {
		r.Get("/", hndlr.ListAccounts)
		r.Post("/", hndlr.CreateAccount)
		r.Route("/{acctID}", func(rr chi.Router) {
			rr.Get("/balance", hndlr.Balance)
			rr.Put("/balance", hndlr.AdjustBalance)
			rr.Get("/statement", hndlr.Statement)
		})
	})

	return mux
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

func (h *httpHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, pingJSONResp{Message: h.Svc.Ping()})
}

func (h *httpHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()["q"]
	if len(qs) != 1 {
		h.Log.Error().
			Str("method", "searchUsers").
			Str("request_id", RequestIDFromContext(r.Context())).
			Int("count", len(qs)).
			Msg("query parameter q must be given once")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"q": "must be a string"}})
		return
	}
	users, err := h.Svc.SearchUsers(r.Context(), SearchUsersReq{Query: qs[0]})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, users)
}

func (h *httpHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	body, err := h.readFields(w, r, "createUser")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	fieldErrs := map[string]string{}
	req := CreateUserReq{
		ID:       body.str("id", fieldErrs),
		Name:     body.str("name", fieldErrs),
		Email:    body.str("email", fieldErrs),
		Password: body.str("password", fieldErrs),
	}
	if len(fieldErrs) > 0 {
		WriteHTTPError(w, ErrBadRequest{Fields: fieldErrs})
		return
	}
	user, err := h.Svc.CreateUser(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, user)
}

func (h *httpHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Svc.ListAccounts(r.Context())
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accts)
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	body, err := h.readFields(w, r, "createAccount")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	fieldErrs := map[string]string{}
	req := CreateAccountReq{
		ID:      body.str("id", fieldErrs),
		OwnerID: body.str("ownerId", fieldErrs),
	}
	if len(fieldErrs) > 0 {
		WriteHTTPError(w, ErrBadRequest{Fields: fieldErrs})
		return
	}
	acct, err := h.Svc.CreateAccount(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, acct)
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acctID, err := h.acctID(r, "balance")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	bal, err := h.Svc.Balance(r.Context(), BalanceReq{AcctID: acctID})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceJSONResp{Balance: json.Number(bal.String())})
}

func (h *httpHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	acctID, err := h.acctID(r, "adjustBalance")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	body, err := h.readFields(w, r, "adjustBalance")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	fieldErrs := map[string]string{}
	req := AdjustBalanceReq{
		AcctID: acctID,
		Value:  body.number("value", fieldErrs),
	}
	if len(fieldErrs) > 0 {
		WriteHTTPError(w, ErrBadRequest{Fields: fieldErrs})
		return
	}
	acct, err := h.Svc.AdjustBalance(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	acctID, err := h.acctID(r, "statement")
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	buf := new(bytes.Buffer)
	if err = h.Svc.Statement(r.Context(), buf, StatementReq{AcctID: acctID}); err != nil {
		WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "statement-" + acctID + ".pdf",
	}))
	if _, err = buf.WriteTo(w); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing statement")
	}
}

// acctID returns the decoded account ID path segment. chi matches against
// r.URL.RawPath when it is set, and only then is the param still escaped.
func (h *httpHandler) acctID(r *http.Request, method string) (string, error) {
	id := chi.URLParam(r, "acctID")
	if r.URL.RawPath == "" {
		return id, nil
	}
	id, err := url.PathUnescape(id)
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error parsing account ID")
		return "", ErrBadRequest{Fields: map[string]string{"id": "invalid format"}}
	}
	return id, nil
}

func (h *httpHandler) readFields(w http.ResponseWriter, r *http.Request, method string) (jsonFields, error) {
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrBadRequest{Fields: map[string]string{"request body": "too large"}}
		}
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		return nil, ErrInternalServer
	}
	var fields jsonFields
	if err = json.Unmarshal(buf, &fields); err != nil || fields == nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		return nil, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}}
	}
	return fields, nil
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Err(err).Msg("response encoding failed")
	}
}

// jsonFields keeps each top-level member of a request object undecoded so
// that its JSON type can be checked before conversion.
type jsonFields map[string]json.RawMessage

func (f jsonFields) str(name string, errs map[string]string) string {
	raw := bytes.TrimSpace(f[name])
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		errs[name] = "must be a string"
		return ""
	}
	return s
}

func (f jsonFields) number(name string, errs map[string]string) decimal.Decimal {
	raw := bytes.TrimSpace(f[name])
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		errs[name] = "must be a number"
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		errs[name] = "must be a number"
		return decimal.Zero
	}
	return d
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	errnf := &ErrNotFound{}
	errbr := &ErrBadRequest{}
	errcf := &ErrConflict{}
	switch {
	case errors.As(err, errnf):
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(map[string]string{
			"id":      errnf.ID,
			"message": errnf.Error(),
		})
	case errors.As(err, errcf):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(map[string]string{
			"id":      errcf.ID,
			"message": errcf.Error(),
		})
	case errors.As(err, errbr):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(errbr)
	case errors.Is(err, ErrUnavailable):
		w.WriteHeader(http.StatusServiceUnavailable)
		ne = json.NewEncoder(w).Encode(map[string]string{
			"message": ErrUnavailable.Error(),
		})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		resp := map[string]string{
			"message": "server error",
		}
		ne = json.NewEncoder(w).Encode(resp)
	}
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	resp := map[string]string{
		"path": r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}

func HTTPMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	resp := map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}
