package oracle_test

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTracker(t *testing.T) {
	rt := oracle.NewRoundTracker()

	ok, skipped := rt.Accept("WETH", 10)
	assert.True(t, ok, "first round is always accepted")
	assert.Zero(t, skipped)

	ok, _ = rt.Accept("WETH", 11)
	assert.True(t, ok)

	ok, _ = rt.Accept("WETH", 11)
	assert.False(t, ok, "replayed round")
	ok, _ = rt.Accept("WETH", 3)
	assert.False(t, ok, "older round")
	assert.Equal(t, int64(2), rt.Stale("WETH"))

	ok, skipped = rt.Accept("WETH", 15)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), skipped)
	assert.Equal(t, int64(1), rt.Gaps("WETH"))

	last, seen := rt.Last("WETH")
	assert.True(t, seen)
	assert.Equal(t, uint64(15), last)

	// Assets are tracked independently.
	ok, _ = rt.Accept("WBTC", 1)
	assert.True(t, ok)
	assert.Zero(t, rt.Gaps("WBTC"))

	rt.Set("WBTC", 100)
	ok, _ = rt.Accept("WBTC", 50)
	assert.False(t, ok)
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     int64
		wantErr  bool
	}{
		{"2000", 8, 2000_00000000, false},
		{"1200.5", 8, 1200_50000000, false},
		{"0.00000001", 8, 1, false},
		{"0.000000001", 8, 0, true},
		{"0", 8, 0, true},
		{"-5", 8, 0, true},
		{"abc", 8, 0, true},
		{"100000000000000", 8, 0, true},
	}
	for _, tt := range tests {
		got, err := oracle.ParseAnswer(tt.in, tt.decimals)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseAnswer_ExponentNotationIsBounded(t *testing.T) {
	start := time.Now()
	for _, in := range []string{"1e100000000", "1e-100000000", "9e2000000000", "1e11"} {
		_, err := oracle.ParseAnswer(in, 8)
		assert.Error(t, err, in)
	}
	_, err := oracle.ParseAnswer("1e100000000", 8)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
	_, err = oracle.ParseAnswer("1e-100000000", 8)
	assert.ErrorIs(t, err, fpmath.ErrExcessPrecision)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	got, err := oracle.ParseAnswer("2.5e3", 8)
	require.NoError(t, err)
	assert.Equal(t, int64(2500_00000000), got)
}

func TestFeed_WritePrice(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	f := oracle.NewFeed(8, 0)
	var w oracle.PriceWriter = f

	require.NoError(t, w.WritePrice(context.Background(), "WETH", 1500_00000000, at))
	q, err := f.GetPrice(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, int64(1500_00000000), q.Answer)
	assert.Equal(t, at, q.UpdatedAt)
	assert.Equal(t, uint8(8), w.Decimals())
}
