package usecase_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/storage/memory"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

type aggFixture struct {
	agg  *usecase.Aggregator
	log  *memory.DiagnosticLog
	sink *recordingSink
	mock *clock.Mock
}

func newAggregator(t *testing.T, cfg usecase.AggregatorConfig, run bool) *aggFixture {
	t.Helper()
	f := &aggFixture{log: memory.NewDiagnosticLog(0), sink: &recordingSink{}, mock: clock.NewMock()}
	f.mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f.agg = usecase.NewAggregator(cfg, f.log, f.sink, f.mock, zerolog.Nop())
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = f.agg.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return f
}

func (f *aggFixture) entries(t *testing.T) ([]domain.DiagnosticEntry, int) {
	t.Helper()
	list, total, err := f.agg.VisibleLog(context.Background(), 0, 0)
	require.NoError(t, err)
	return list, total
}

func TestSignatureIsDeterministic(t *testing.T) {
	a := usecase.Signature("E1", "src", "boom")
	assert.Equal(t, a, usecase.Signature("E1", "src", "boom"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, usecase.Signature("E2", "src", "boom"))
	assert.NotEqual(t, a, usecase.Signature("E1", "other", "boom"))
	assert.NotEqual(t, a, usecase.Signature("E1", "src", "bang"))

	prefix := strings.Repeat("é", 256)
	assert.Equal(t,
		usecase.Signature("E1", "src", prefix+"tail one"),
		usecase.Signature("E1", "src", prefix+"tail two"),
		"only the first 256 runes take part")
}

func TestPostingsWithinWindowAggregate(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{}, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.agg.PostError("E1", fmt.Sprintf("boom %d", i), domain.SeverityError, "src", nil)
	}
	require.NoError(t, f.agg.Sync(ctx))
	f.agg.PostError("E2", "same", domain.SeverityError, "src", nil)
	f.agg.PostError("E2", "same", domain.SeverityError, "src", nil)
	f.agg.PostError("E2", "same", domain.SeverityError, "src", nil)
	require.NoError(t, f.agg.Sync(ctx))

	list, total := f.entries(t)
	assert.Equal(t, 6, total)
	assert.Equal(t, "E2", list[0].Code)
	assert.Equal(t, 3, list[0].Count)
	assert.False(t, list[0].Suppressed)
	assert.NotEmpty(t, list[0].ID)
	assert.NotEqual(t, list[0].ID, list[1].ID)

	f.mock.Add(1500 * time.Millisecond)
	f.agg.PostError("E2", "same", domain.SeverityError, "src", nil)
	require.NoError(t, f.agg.Sync(ctx))
	list, _ = f.entries(t)
	assert.Equal(t, 1, list[0].Count, "lapsed window starts a fresh bucket")
	assert.Equal(t, list[0].FirstTimestamp, list[0].LastTimestamp)

	assert.Len(t, f.sink.ofType(domain.EventDiagnostic), 7)
}

func TestBurstSuppressesAndConsolidates(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{RateLimitUniquePerMinute: 40}, true)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f.agg.PostError("E_BURST", "failure", domain.SeverityWarning, fmt.Sprintf("src-%d", i), nil)
	}
	require.NoError(t, f.agg.Sync(ctx))

	st, err := f.agg.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Burst)
	assert.Equal(t, 50, st.Buckets)
	_, total := f.entries(t)
	assert.Equal(t, 40, total, "postings past the threshold stay out of the visible log")

	f.agg.PostError("E_BURST", "failure", domain.SeverityWarning, "src-0", map[string]string{"attempt": "2"})
	require.NoError(t, f.agg.Sync(ctx))
	_, total = f.entries(t)
	assert.Equal(t, 40, total)

	f.mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool {
		_, total := f.entries(t)
		return total == 90
	}, 2*time.Second, 10*time.Millisecond, "one snapshot per bucket")

	list, _ := f.entries(t)
	top := list[0]
	assert.Equal(t, "src-0", top.Source, "most recently updated bucket on top")
	assert.True(t, top.Suppressed)
	assert.Equal(t, 2, top.Count)
	assert.Equal(t, "2", top.Metadata["attempt"], "latest snapshot")

	// quiet buckets are snapshotted again on the next tick
	f.mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool {
		_, total := f.entries(t)
		return total == 140
	}, 2*time.Second, 10*time.Millisecond)

	st, _ = f.agg.Stats(ctx)
	assert.True(t, st.Burst, "burst mode is sticky")
}

func TestConsolidationSnapshotsEveryBucket(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{RateLimitUniquePerMinute: 2}, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.agg.PostError("E_SNAP", "m", domain.SeverityError, fmt.Sprintf("s%d", i), nil)
	}
	require.NoError(t, f.agg.Sync(ctx))
	_, total := f.entries(t)
	require.Equal(t, 2, total)

	f.mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool {
		_, total := f.entries(t)
		return total == 5
	}, 2*time.Second, 10*time.Millisecond)

	list, _ := f.entries(t)
	var sources []string
	for _, e := range list[:3] {
		assert.True(t, e.Suppressed)
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []string{"s2", "s1", "s0"}, sources)

	f.mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool {
		_, total := f.entries(t)
		return total == 8
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResetLeavesBurstMode(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{RateLimitUniquePerMinute: 2}, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.agg.PostError("E", "m", domain.SeverityInfo, fmt.Sprintf("s%d", i), nil)
	}
	require.NoError(t, f.agg.Sync(ctx))
	st, _ := f.agg.Stats(ctx)
	require.True(t, st.Burst)

	require.NoError(t, f.agg.Reset(ctx))
	st, _ = f.agg.Stats(ctx)
	assert.False(t, st.Burst)
	assert.Zero(t, st.Buckets)
	_, total := f.entries(t)
	assert.Zero(t, total)

	f.agg.PostError("E", "m", domain.SeverityInfo, "s0", nil)
	require.NoError(t, f.agg.Sync(ctx))
	list, total := f.entries(t)
	assert.Equal(t, 1, total)
	assert.False(t, list[0].Suppressed)
}

func TestQuietBucketsStopCountingTowardsBurst(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{RateLimitUniquePerMinute: 2}, true)
	ctx := context.Background()
	f.agg.PostError("E", "m", domain.SeverityInfo, "a", nil)
	f.agg.PostError("E", "m", domain.SeverityInfo, "b", nil)
	require.NoError(t, f.agg.Sync(ctx))

	f.mock.Add(61 * time.Second)
	f.agg.PostError("E", "m", domain.SeverityInfo, "c", nil)
	require.NoError(t, f.agg.Sync(ctx))

	st, _ := f.agg.Stats(ctx)
	assert.False(t, st.Burst)
	assert.Equal(t, 1, st.Buckets)
}

func TestIntakeFullDropsPostings(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{IntakeCapacity: 1}, false)
	f.agg.PostError("E", "one", domain.SeverityError, "s", nil)
	f.agg.PostError("E", "two", domain.SeverityError, "s", nil)
	f.agg.PostError("E", "three", domain.SeverityError, "s", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.agg.Run(ctx) }()

	st, err := f.agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Dropped)
	_, total := f.entries(t)
	assert.Equal(t, 1, total)
}

func TestMetadataIsRedacted(t *testing.T) {
	f := newAggregator(t, usecase.AggregatorConfig{}, true)
	md := map[string]string{"token": "abc", "port": "8765"}
	f.agg.PostError("E", "m", domain.SeverityError, "s", md)
	require.NoError(t, f.agg.Sync(context.Background()))

	list, _ := f.entries(t)
	require.Len(t, list, 1)
	assert.Equal(t, "***", list[0].Metadata["token"])
	assert.Equal(t, "8765", list[0].Metadata["port"])
	assert.Equal(t, "abc", md["token"], "caller map untouched")
}
