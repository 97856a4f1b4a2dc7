// Package oracle defines the price source the engine values collateral with,
// plus an in-memory feed and a Redis-backed feed.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDecimals is the precision of Chainlink-style USD feeds.
const DefaultDecimals uint8 = 8

var ErrNoPrice = errors.New("no price for asset")

// Quote is one price observation.
type Quote struct {
	Answer    int64     // USD price scaled by 10^Decimals
	Decimals  uint8     // Feed precision
	UpdatedAt time.Time // When the answer was produced
	Stale     bool      // Older than the feed's max age, or flagged by the source
}

// PriceOracle returns the latest USD price of an asset. Consulted read-only.
type PriceOracle interface {
	GetPrice(ctx context.Context, asset string) (Quote, error)
}

type feedEntry struct {
	answer    int64
	updatedAt time.Time
	stale     bool
}

// Feed is an in-memory PriceOracle. Prices are pushed with SetPrice.
type Feed struct {
	mu       sync.RWMutex
	prices   map[string]feedEntry
	decimals uint8
	maxAge   time.Duration
	now      func() time.Time
}

var _ PriceOracle = (*Feed)(nil)

// NewFeed creates a feed. A zero maxAge disables age-based staleness.
func NewFeed(decimals uint8, maxAge time.Duration) *Feed {
	return &Feed{
		prices:   make(map[string]feedEntry),
		decimals: decimals,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (f *Feed) WithClock(now func() time.Time) *Feed {
	f.now = now
	return f
}

// SetPrice records a fresh answer.
func (f *Feed) SetPrice(asset string, answer int64) {
	f.SetPriceAt(asset, answer, f.now())
}

// SetPriceAt records an answer observed at a given time.
func (f *Feed) SetPriceAt(asset string, answer int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = feedEntry{answer: answer, updatedAt: at}
}

// MarkStale forces the asset's current answer to report stale.
func (f *Feed) MarkStale(asset string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.prices[asset]; ok {
		e.stale = true
		f.prices[asset] = e
	}
}

func (f *Feed) GetPrice(ctx context.Context, asset string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	f.mu.RLock()
	e, ok := f.prices[asset]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", asset, ErrNoPrice)
	}

	return Quote{
		Answer:    e.answer,
		Decimals:  f.decimals,
		UpdatedAt: e.updatedAt,
		Stale:     e.stale || isExpired(e.updatedAt, f.now(), f.maxAge),
	}, nil
}

func isExpired(updatedAt, now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(updatedAt) > maxAge
}
