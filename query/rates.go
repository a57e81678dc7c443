package query

// rates.go loads the fixed currency conversion table from a yaml file and
// hot-reloads it when the file is rewritten.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v2"
)

// rateFlushDuration buffers the multiple write events editors produce for
// a single save.
const rateFlushDuration = 25 * time.Millisecond

// ratesFile is the yaml shape of the rate table on disk.
type ratesFile struct {
	Reference string             `yaml:"reference"`
	Rates     map[string]float64 `yaml:"rates"`
}

// RateTable holds the reference currency and the conversion rates into
// it, reloading from its yaml file on change. It is safe for concurrent
// use.
type RateTable struct {
	path string
	log  *slog.Logger

	mu        sync.RWMutex
	reference string
	rates     map[string]float64
}

// LoadRates reads the rate table from the yaml file at path.
func LoadRates(path string, logger *slog.Logger) (*RateTable, error) {
	rt := &RateTable{
		path: path,
		log:  logger.With("component", "rates"),
	}
	if err := rt.reload(); err != nil {
		return nil, err
	}
	return rt, nil
}

// reload reads and validates the file, swapping the table in atomically.
func (rt *RateTable) reload() error {

	contents, err := os.ReadFile(rt.path)
	if err != nil {
		return fmt.Errorf("could not read rates file: %w", err)
	}

	var rf ratesFile
	if err := yaml.Unmarshal(contents, &rf); err != nil {
		return fmt.Errorf("could not parse rates file %q: %w", rt.path, err)
	}

	rf.Reference = strings.ToUpper(strings.TrimSpace(rf.Reference))
	if rf.Reference == "" {
		return fmt.Errorf("rates file %q: no reference currency set", rt.path)
	}
	rates := make(map[string]float64, len(rf.Rates)+1)
	for currency, rate := range rf.Rates {
		if rate <= 0 {
			return fmt.Errorf("rates file %q: rate for %q must be positive, got %v",
				rt.path, currency, rate)
		}
		rates[strings.ToUpper(strings.TrimSpace(currency))] = rate
	}
	rates[rf.Reference] = 1

	rt.mu.Lock()
	rt.reference = rf.Reference
	rt.rates = rates
	rt.mu.Unlock()
	return nil
}

// Reference returns the reference currency.
func (rt *RateTable) Reference() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.reference
}

// VerifyReference checks, case-insensitively, that the table's reference
// currency matches the one configured, catching a rates file that
// converts into a different currency than the operator expects.
func (rt *RateTable) VerifyReference(want string) error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if !strings.EqualFold(rt.reference, want) {
		return fmt.Errorf("configured reference currency %q does not match rates file reference %q",
			want, rt.reference)
	}
	return nil
}

// Snapshot returns a copy of the current rates, suitable for passing to
// RevenueInReferenceCurrency.
func (rt *RateTable) Snapshot() map[string]float64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	rates := make(map[string]float64, len(rt.rates))
	for currency, rate := range rt.rates {
		rates[currency] = rate
	}
	return rates
}

// Watch reloads the table when its file is rewritten. Watch blocks until
// ctx is done, so it needs to be run in a goroutine. A reload failure is
// logged and the previous table kept; only watcher failures end the
// watch.
func (rt *RateTable) Watch(ctx context.Context) error {

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify new watcher error: %w", err)
	}
	defer watcher.Close()

	// Watch the containing directory; many editors replace the file on
	// save, which would silently detach a watch on the file itself.
	dir := filepath.Dir(rt.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("fsnotify add error for dir %q: %w", dir, err)
	}
	basename := filepath.Base(rt.path)

	eventChan := make(chan bool)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err, ok := <-watcher.Errors:
				if !ok {
					return fmt.Errorf("unexpected close from watcher.Errors")
				}
				return fmt.Errorf("unexpected notify error: %w", err)
			case e, ok := <-watcher.Events:
				if !ok {
					return fmt.Errorf("unexpected close from watcher.Events")
				}
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					continue
				}
				if filepath.Base(e.Name) != basename {
					continue
				}
				eventChan <- true
			}
		}
	})

	// Buffer double writes, then reload once per flush interval.
	g.Go(func() error {
		flush := false
		timer := time.NewTicker(rateFlushDuration)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-eventChan:
				flush = true
			case <-timer.C:
				if !flush {
					continue
				}
				flush = false
				if err := rt.reload(); err != nil {
					rt.log.Error("rates reload failed, keeping previous table", "error", err)
					continue
				}
				rt.log.Info("rates reloaded", "file", rt.path)
			}
		}
	})

	return g.Wait()
}
