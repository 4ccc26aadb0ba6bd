// Package health reports whether the export service can reach its
// checkpoint database and the upstream export server.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CMSgov/bcda-export/export/client"
	"github.com/CMSgov/bcda-export/log"
)

const (
	resultOK            = "ok"
	resultNotConfigured = "not configured"

	serverCacheTTL = time.Minute
)

type serverCache struct {
	result    string
	ok        bool
	timestamp time.Time
	mu        sync.RWMutex
}

type HealthChecker struct {
	db          *sql.DB
	client      client.Client
	serverURL   string
	serverCache *serverCache
	now         func() time.Time
}

// NewHealthChecker builds a checker. A nil db or client skips that check.
func NewHealthChecker(db *sql.DB, c client.Client, baseURL string) HealthChecker {
	return HealthChecker{
		db:          db,
		client:      c,
		serverURL:   strings.TrimRight(baseURL, "/") + "/_health",
		serverCache: &serverCache{},
		now:         time.Now,
	}
}

func (h HealthChecker) IsDatabaseOK(ctx context.Context) (result string, ok bool) {
	if h.db == nil {
		return resultNotConfigured, true
	}
	if err := h.db.PingContext(ctx); err != nil {
		log.Request.Error("Health check: database ping error: ", err.Error())
		return "database ping error", false
	}
	return resultOK, true
}

// IsExportServerOK calls the export server's health endpoint. Results are
// cached for a minute.
func (h HealthChecker) IsExportServerOK(ctx context.Context) (result string, ok bool) {
	if h.client == nil {
		return resultNotConfigured, true
	}

	h.serverCache.mu.RLock()
	if h.serverCache.timestamp.Add(serverCacheTTL).After(h.now()) {
		result, ok := h.serverCache.result, h.serverCache.ok
		h.serverCache.mu.RUnlock()
		return result, ok
	}
	h.serverCache.mu.RUnlock()

	h.serverCache.mu.Lock()
	defer h.serverCache.mu.Unlock()
	if h.serverCache.timestamp.Add(serverCacheTTL).After(h.now()) {
		return h.serverCache.result, h.serverCache.ok
	}

	result, ok = h.checkServer(ctx)
	h.serverCache.result = result
	h.serverCache.ok = ok
	h.serverCache.timestamp = h.now()
	return result, ok
}

func (h HealthChecker) checkServer(ctx context.Context) (string, bool) {
	resp, err := h.client.Do(ctx, &client.Request{Method: http.MethodGet, URL: h.serverURL})
	if err != nil {
		log.Request.Error("Health check: export server connection error: ", err.Error())
		return "cannot connect to export server", false
	}
	if !resp.IsSuccess() {
		log.Request.Errorf("Health check: export server returned %d", resp.StatusCode)
		return "export server unhealthy", false
	}
	return resultOK, true
}
