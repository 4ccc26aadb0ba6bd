// Package monitoring reports workflow and request timings to New Relic.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/log"
	"github.com/newrelic/go-agent/v3/integrations/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// Timer provides methods for timing methods.
// Typical Usage scenario:
//		timer := monitoring.GetTimer()
//		defer timer.Close()
//		ctx := monitoring.NewContext(ctx, timer)
//		ctx, close := monitoring.NewParent(ctx, "ExportWorkflow")
//		defer close()
//		close1 := monitoring.NewChild(ctx, "Polling")
//		// poll the job
//		close1()
type Timer interface {
	// new creates a transaction and embeds it into the returned context.
	new(parentCtx context.Context, name string) (ctx context.Context, close func())

	// newChild creates a segment of the transaction found in parentCtx.
	newChild(parentCtx context.Context, name string) (close func())

	// Close flushes pending metrics.
	Close()
}

type key int

const timerKey key = 0

// NewContext returns a new Context that carries the provided Timer
func NewContext(ctx context.Context, t Timer) context.Context {
	return context.WithValue(ctx, timerKey, t)
}

// NewParent creates a parent timer and embeds it into the returned context.
func NewParent(ctx context.Context, name string) (context.Context, func()) {
	return fromContext(ctx).new(ctx, name)
}

// NewChild creates a child timer from the parent found within the supplied context
func NewChild(ctx context.Context, name string) func() {
	return fromContext(ctx).newChild(ctx, name)
}

var defaultTimer = &noopTimer{}

// fromContext returns the Timer associated with the context, or a no-op timer.
func fromContext(ctx context.Context) Timer {
	t, ok := ctx.Value(timerKey).(Timer)
	if !ok {
		return defaultTimer
	}
	return t
}

// GetTimer returns a New Relic backed Timer when NEW_RELIC_LICENSE_KEY is set
// and a no-op Timer otherwise.
func GetTimer() Timer {
	license := conf.GetEnv("NEW_RELIC_LICENSE_KEY")
	if license == "" {
		log.Export.Info("No New Relic license configured. Using no-op timer.")
		return &noopTimer{}
	}

	target := conf.GetEnv("DEPLOYMENT_TARGET")
	if target == "" {
		target = "local"
	}
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(fmt.Sprintf("BCDA-Export-%s", target)),
		newrelic.ConfigLicense(license),
		newrelic.ConfigEnabled(true),
		nrlogrus.ConfigLogger(log.GetLogger(log.Export)),
		func(cfg *newrelic.Config) {
			cfg.HighSecurity = true
		},
	)
	if err != nil {
		log.Export.Warnf("Failed to instantiate New Relic application. Default to no-op timer. %s", err.Error())
		return &noopTimer{}
	}

	log.Export.Info("Using New Relic backed timer.")
	return &timer{app}
}

// validates that timer implements the interface
var _ Timer = &timer{}

type timer struct {
	nr *newrelic.Application
}

func (t *timer) new(parentCtx context.Context, name string) (context.Context, func()) {
	txn := t.nr.StartTransaction(name)
	return newrelic.NewContext(parentCtx, txn), func() { txn.End() }
}

func (t *timer) newChild(parentCtx context.Context, name string) func() {
	txn := newrelic.FromContext(parentCtx)
	if txn == nil {
		log.GetCtxLogger(parentCtx).Warn("No transaction found. Cannot create child.")
		return noop
	}
	segment := txn.StartSegment(name)
	return func() { segment.End() }
}

func (t *timer) Close() {
	const shutdownTimeout = 30 * time.Second
	t.nr.Shutdown(shutdownTimeout)
}

// validates that noopTimer implements the interface
var _ Timer = &noopTimer{}

type noopTimer struct{}

func (t *noopTimer) new(parentCtx context.Context, name string) (context.Context, func()) {
	return parentCtx, noop
}

func (t *noopTimer) newChild(parentCtx context.Context, name string) func() {
	return noop
}

func (t *noopTimer) Close() {}

func noop() {}
