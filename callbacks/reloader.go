package callbacks

import (
	"context"
	"sync/atomic"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/store"
)

// Reloader rebuilds the callback chains whenever the registry changes and
// hands them to apply.
type Reloader struct {
	store   store.Store
	records *Registry
	catalog *Catalog
	apply   func(Chains)
	logger  *logging.Logger

	running  atomic.Bool
	sub      store.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	rebuilds atomic.Int64
}

// NewReloader creates a Reloader. A nil logger discards output.
func NewReloader(st store.Store, records *Registry, catalog *Catalog, apply func(Chains), logger *logging.Logger) *Reloader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reloader{
		store:   st,
		records: records,
		catalog: catalog,
		apply:   apply,
		logger:  logger.WithComponent("callbacks"),
	}
}

// Start subscribes to callback changes and rebuilds once so changes made
// before the subscription are not missed.
func (r *Reloader) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return errors.New(errors.ErrCodeAlreadyExists, "callback reloader already started")
	}
	sub, err := r.store.Subscribe(ctx, Channel)
	if err != nil {
		r.running.Store(false)
		return errors.Wrap(err, "subscribing to "+Channel)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.sub = sub
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(runCtx)

	return r.Reload(ctx)
}

// Stop ends the subscription and waits for an in-flight rebuild.
func (r *Reloader) Stop() error {
	if !r.running.Load() {
		return nil
	}
	r.cancel()
	err := r.sub.Unsubscribe()
	<-r.done
	r.running.Store(false)
	return err
}

// Reload rebuilds the chains from the stored records and applies them.
// Records that fail to build are skipped and logged.
func (r *Reloader) Reload(ctx context.Context) error {
	recs, err := r.records.List(ctx)
	if err != nil {
		return err
	}
	chains, err := Build(recs, r.catalog, r.logger)
	if err != nil {
		r.logger.Warn("some callbacks were skipped", map[string]interface{}{"error": err})
	}
	r.apply(chains)
	r.rebuilds.Add(1)
	r.logger.Debug("callback chains rebuilt", map[string]interface{}{
		"before": chains.Before.Len(),
		"after":  chains.After.Len(),
	})
	return nil
}

// Rebuilds returns how many times the chains were applied.
func (r *Reloader) Rebuilds() int64 {
	return r.rebuilds.Load()
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.done)

	msgs := r.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			// One rebuild covers every change already queued.
			for drained := false; !drained; {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				default:
					drained = true
				}
			}
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("rebuilding callback chains failed", map[string]interface{}{"error": err})
			}
		}
	}
}
