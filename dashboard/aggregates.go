package dashboard

// aggregates.go schedules the derived dashboard metrics. The primary
// invoice list is fetched first and displayed immediately; each aggregate
// then computes in its own goroutine and transitions from pending to
// ready (or failed) independently, with no ordering guarantee between
// them.

import (
	"context"
	"log/slog"
	"sync"

	"salesdash/db"
	"salesdash/query"
)

// Aggregate states.
const (
	StatePending = "pending"
	StateReady   = "ready"
	StateFailed  = "failed"
)

// Aggregate holds one asynchronously computed value. The zero state is
// pending; Wait blocks until the computation settles.
type Aggregate[T any] struct {
	mu    sync.Mutex
	state string
	value T
	err   error
	done  chan struct{}
}

func newAggregate[T any]() *Aggregate[T] {
	return &Aggregate[T]{
		state: StatePending,
		done:  make(chan struct{}),
	}
}

// complete settles the aggregate exactly once.
func (a *Aggregate[T]) complete(value T, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StatePending {
		return
	}
	if err != nil {
		a.state = StateFailed
		a.err = err
	} else {
		a.state = StateReady
		a.value = value
	}
	close(a.done)
}

// State returns the aggregate's current state.
func (a *Aggregate[T]) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Value returns the computed value, whether the computation has settled,
// and its error.
func (a *Aggregate[T]) Value() (T, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.state != StatePending, a.err
}

// Wait blocks until the aggregate settles or ctx is done, then returns
// the value and error.
func (a *Aggregate[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-a.done:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.err
}

// Aggregates are the derived dashboard metrics, each settling
// independently.
type Aggregates struct {
	Revenue     *Aggregate[float64]
	Performance *Aggregate[[]query.Performance]
	Stats       *Aggregate[*db.Stats]
}

// Load fetches the primary invoice page and schedules the dependent
// aggregates. The page is returned as soon as it is available; the
// aggregates settle in the background. The revenue aggregate converts
// the full invoice set into the rate table's reference currency, which
// is why it alone waits on the full-set fetch.
func Load(
	ctx context.Context,
	client *Client,
	rates *query.RateTable,
	logger *slog.Logger,
	pageSize int,
	sortBy string,
) (*query.InvoicePage, *Aggregates, error) {

	page, err := client.InvoicesFirstPage(ctx, pageSize, sortBy)
	if err != nil {
		return nil, nil, err
	}

	log := logger.With("component", "dashboard")
	aggregates := &Aggregates{
		Revenue:     newAggregate[float64](),
		Performance: newAggregate[[]query.Performance](),
		Stats:       newAggregate[*db.Stats](),
	}

	go func() {
		all, err := client.AllInvoices(ctx, sortBy, false)
		if err != nil {
			log.Warn("revenue aggregate failed", "error", err)
			aggregates.Revenue.complete(0, err)
			return
		}
		revenue := query.RevenueInReferenceCurrency(all.Invoices, rates.Snapshot(), rates.Reference())
		aggregates.Revenue.complete(revenue, nil)
	}()

	go func() {
		performances, err := client.Salespersons(ctx, "all", 0, 0, 0)
		if err != nil {
			log.Warn("performance aggregate failed", "error", err)
		}
		aggregates.Performance.complete(performances, err)
	}()

	go func() {
		stats, err := client.Stats(ctx)
		if err != nil {
			log.Warn("stats aggregate failed", "error", err)
		}
		aggregates.Stats.complete(stats, err)
	}()

	return page, aggregates, nil
}
