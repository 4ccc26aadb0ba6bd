// Package middleware holds HTTP middleware shared by the bcda-export servers.
package middleware

import (
	"context"
	"net/http"

	"github.com/pborman/uuid"
)

// type to create context.Context key
type CtxTransactionKeyType string

// context.Context key to get the transaction ID from the request context
const CtxTransactionKey CtxTransactionKeyType = "ctxTransaction"

// TransactionIDHeader carries the transaction ID on requests and responses.
const TransactionIDHeader = "X-Transaction-ID"

// NewTransactionID adds a transaction ID to the request context and echoes it
// on the response. A UUID sent by the caller is reused.
func NewTransactionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TransactionIDHeader)
		if uuid.Parse(id) == nil {
			id = uuid.New()
		}
		w.Header().Set(TransactionIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), CtxTransactionKey, id))
		next.ServeHTTP(w, r)
	})
}

// GetTransactionID returns the transaction ID on ctx, or "".
func GetTransactionID(ctx context.Context) string {
	id, _ := ctx.Value(CtxTransactionKey).(string)
	return id
}
