// Package search routes one query to every registered provider and streams
// hits back as they become available. A new query from the same caller
// supersedes the previous one: its in-flight provider work is cancelled and
// hits arriving after cancellation are not emitted. Every emission carries
// its request id.
package search

import (
	"context"
	"sync"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/protocol"
)

// Hit is one provider result.
type Hit struct {
	Provider int
	ID       string
	Title    string
	Tags     []string
}

// Provider is one search backend in the fixed registry.
type Provider interface {
	ID() int
	Name() string

	// Search emits hits as they are found. Implementations must return
	// promptly once ctx is cancelled.
	Search(ctx context.Context, query string, emit func(Hit)) error
}

// EmitFunc receives one tagged hit. Implementations must be safe for
// concurrent use; providers run in parallel.
type EmitFunc func(requestID string, hit Hit)

type flight struct {
	cancel context.CancelFunc
}

// Dispatcher fans queries out to the provider registry.
type Dispatcher struct {
	providers []Provider
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight // caller id -> active query
}

// NewDispatcher builds a dispatcher over a fixed provider registry.
func NewDispatcher(logger *slog.Logger, providers ...Provider) *Dispatcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Dispatcher{
		providers: providers,
		logger:    logger,
		inflight:  map[string]*flight{},
	}
}

// Providers describes the registry for SearchConfigurationResponse.
func (d *Dispatcher) Providers() []protocol.ProviderInfo {
	out := make([]protocol.ProviderInfo, 0, len(d.providers))
	for _, p := range d.providers {
		out = append(out, protocol.ProviderInfo{ProviderID: p.ID(), Name: p.Name()})
	}
	return out
}

// Dispatch starts a query for a caller and returns immediately. Hits stream
// through emit tagged with requestID. Any query previously in flight for the
// same caller is cancelled; cancellation is silent.
func (d *Dispatcher) Dispatch(ctx context.Context, callerID, requestID, query string, emit EmitFunc) {
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.inflight[callerID]; ok {
		prev.cancel()
	}
	d.inflight[callerID] = f
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			// Only clear the slot if a newer query hasn't replaced it.
			if d.inflight[callerID] == f {
				delete(d.inflight, callerID)
			}
			d.mu.Unlock()
			cancel()
		}()

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range d.providers {
			g.Go(func() error {
				err := p.Search(gctx, query, func(h Hit) {
					if gctx.Err() != nil {
						return
					}
					emit(requestID, h)
				})
				if err != nil && gctx.Err() == nil {
					d.logger.Warn("search provider failed",
						"provider", p.Name(), "query", query, "err", err)
				}
				// Provider failures never abort the sibling providers.
				return nil
			})
		}
		g.Wait() //nolint:errcheck
	}()
}

// CancelCaller cancels whatever is in flight for a caller (used when its
// connection goes away).
func (d *Dispatcher) CancelCaller(callerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[callerID]; ok {
		f.cancel()
		delete(d.inflight, callerID)
	}
}
