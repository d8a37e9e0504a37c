package acctapi

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID propagates the caller's X-Request-Id or assigns a snowflake ID
// when none (or an oversized one) is given.
func RequestID(node *snowflake.Node) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > maxRequestIDLen {
				id = node.Generate().String()
			}
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Recoverer(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				log.Error().
					Interface("panic", rvr).
					Str("request_id", RequestIDFromContext(r.Context())).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				WriteHTTPError(w, ErrInternalServer)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
