package oracle

import (
	fpmath "CDPLedger/internal/math"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceWriter accepts new answers for an asset. Implemented by Feed and
// RedisFeed so pushed updates land in whichever source the engine reads.
type PriceWriter interface {
	WritePrice(ctx context.Context, asset string, answer int64, at time.Time) error
	Decimals() uint8
}

var (
	_ PriceWriter = (*Feed)(nil)
	_ PriceWriter = (*RedisFeed)(nil)
)

func (f *Feed) WritePrice(ctx context.Context, asset string, answer int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.SetPriceAt(asset, answer, at)
	return nil
}

func (f *Feed) Decimals() uint8 { return f.decimals }

func (f *RedisFeed) WritePrice(ctx context.Context, asset string, answer int64, at time.Time) error {
	return f.PublishPrice(ctx, asset, answer, DefaultDecimals, at)
}

func (f *RedisFeed) Decimals() uint8 { return DefaultDecimals }

// maxAnswerDigits is the decimal digit count of MaxInt64.
const maxAnswerDigits = 19

// ParseAnswer scales a decimal USD price ("2000.5") to a feed answer with
// the given decimals. Rejects non-positive prices and excess precision.
func ParseAnswer(s string, decimals uint8) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("parse price %q: must be positive", s)
	}
	answer, err := fpmath.ScaleDecimal(d, decimals, maxAnswerDigits)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !answer.IsInt64() {
		return 0, fmt.Errorf("parse price %q: out of range: %w", s, fpmath.ErrOverflow)
	}
	return answer.Int64(), nil
}

// RoundTracker orders price rounds per asset. Rounds at or below the last
// accepted one are stale and ignored. Gaps are tolerated and counted.
type RoundTracker struct {
	mu    sync.Mutex
	last  map[string]uint64
	gaps  map[string]int64
	stale map[string]int64
}

func NewRoundTracker() *RoundTracker {
	return &RoundTracker{
		last:  make(map[string]uint64),
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

// Accept reports whether round supersedes the last accepted round for
// asset, and how many rounds were skipped to reach it.
func (rt *RoundTracker) Accept(asset string, round uint64) (accepted bool, skipped uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	last, seen := rt.last[asset]
	if seen && round <= last {
		rt.stale[asset]++
		return false, 0
	}
	if seen && round > last+1 {
		skipped = round - last - 1
		rt.gaps[asset]++
	}
	rt.last[asset] = round
	return true, skipped
}

// Last returns the last accepted round for asset.
func (rt *RoundTracker) Last(asset string) (uint64, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.last[asset]
	return r, ok
}

// Set initializes the last accepted round (used on restart).
func (rt *RoundTracker) Set(asset string, round uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.last[asset] = round
}

// Rewind restores the state Last reported before an Accept whose round
// could not be applied.
func (rt *RoundTracker) Rewind(asset string, round uint64, seen bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !seen {
		delete(rt.last, asset)
		return
	}
	rt.last[asset] = round
}

func (rt *RoundTracker) Gaps(asset string) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.gaps[asset]
}

func (rt *RoundTracker) Stale(asset string) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stale[asset]
}
