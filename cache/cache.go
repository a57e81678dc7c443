package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Tier selects which cache tier an entry lives in.
type Tier int

const (
	// TierMemory is the ordinary short-TTL in-process tier.
	TierMemory Tier = iota
	// TierSession is the longer-TTL persistent tier.
	TierSession
)

// String implements the fmt.Stringer interface.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierSession:
		return "session"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Entry payloads above the compression threshold are gzipped before
// storage. A one byte header on every stored value records whether it is
// compressed.
const defaultCompressOver = 32 * 1024

const (
	flagRaw  byte = 0
	flagGzip byte = 1
)

// Options configures a Cache.
type Options struct {
	MemoryTTL     time.Duration // default 20m
	SessionTTL    time.Duration // default 50m
	SweepInterval time.Duration // default 5m
	CompressOver  int           // payload bytes above which to gzip, default 32KiB
}

// Cache fronts the two tiers with per-tier TTL classes and transparent
// compression of large payloads.
type Cache struct {
	memory        Store
	session       Store
	memoryTTL     time.Duration
	sessionTTL    time.Duration
	sweepInterval time.Duration
	compressOver  int
	log           *slog.Logger
}

// New returns a Cache over the given memory and session tiers. Zero
// option fields take the defaults.
func New(memory, session Store, logger *slog.Logger, opts Options) *Cache {
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = 20 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 50 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.CompressOver <= 0 {
		opts.CompressOver = defaultCompressOver
	}
	return &Cache{
		memory:        memory,
		session:       session,
		memoryTTL:     opts.MemoryTTL,
		sessionTTL:    opts.SessionTTL,
		sweepInterval: opts.SweepInterval,
		compressOver:  opts.CompressOver,
		log:           logger.With("component", "cache"),
	}
}

// store returns the Store backing a tier. Unknown tiers fall back to the
// memory tier.
func (c *Cache) store(tier Tier) Store {
	if tier == TierSession {
		return c.session
	}
	return c.memory
}

// ttl returns the TTL class of a tier.
func (c *Cache) ttl(tier Tier) time.Duration {
	if tier == TierSession {
		return c.sessionTTL
	}
	return c.memoryTTL
}

// Get returns the cached value for key in the given tier, decompressing
// if needed. A corrupt entry is dropped and reported as a miss.
func (c *Cache) Get(key string, tier Tier) ([]byte, bool) {
	stored, ok := c.store(tier).Get(key)
	if !ok || len(stored) == 0 {
		return nil, false
	}

	flag, payload := stored[0], stored[1:]
	if flag == flagRaw {
		return payload, true
	}

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err == nil {
		var value []byte
		if value, err = io.ReadAll(zr); err == nil {
			return value, true
		}
	}
	c.log.Warn("dropping unreadable cache entry", "key", key, "tier", tier, "error", err)
	_ = c.store(tier).Delete(key)
	return nil, false
}

// Set stores value under key in the given tier with the tier's TTL,
// compressing large payloads.
func (c *Cache) Set(key string, value []byte, tier Tier) error {

	stored := make([]byte, 1, len(value)+1)
	stored[0] = flagRaw

	if len(value) > c.compressOver {
		var buf bytes.Buffer
		buf.WriteByte(flagGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(value); err != nil {
			return fmt.Errorf("cache compression failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("cache compression failed: %w", err)
		}
		stored = buf.Bytes()
	} else {
		stored = append(stored, value...)
	}

	return c.store(tier).Set(key, stored, c.ttl(tier))
}

// Delete removes key from the given tier.
func (c *Cache) Delete(key string, tier Tier) error {
	return c.store(tier).Delete(key)
}

// Sweep drops expired entries from both tiers once.
func (c *Cache) Sweep() int {
	return c.memory.Sweep() + c.session.Sweep()
}

// SweepLoop sweeps both tiers on the configured interval until ctx is
// done. It blocks, so it needs to be run in a goroutine; traffic is never
// blocked because the tiers take their own locks per operation.
func (c *Cache) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := c.Sweep(); dropped > 0 {
				c.log.Debug("cache sweep", "dropped", dropped)
			}
		}
	}
}

// Close closes both tiers.
func (c *Cache) Close() error {
	merr := c.memory.Close()
	serr := c.session.Close()
	if merr != nil {
		return merr
	}
	return serr
}
