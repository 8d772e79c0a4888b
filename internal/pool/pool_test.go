package pool

import (
	"testing"
	"time"

	"github.com/nodemesh/meshnode/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(ts time.Time) *event.Event {
	e := event.New("ping", "a", "b")
	e.Timestamp = ts
	return e
}

func TestAppendIncrementsTotalAdded(t *testing.T) {
	p := New("test", 10, DropOldest, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := p.Append(newEvent(base))
	require.True(t, ok)
	assert.EqualValues(t, 1, p.Stats().TotalAdded)

	ok = p.Append(newEvent(base.Add(time.Second)))
	require.True(t, ok)
	assert.EqualValues(t, 2, p.Stats().TotalAdded)
}

func TestPopBatchIsFIFOByTimestamp(t *testing.T) {
	p := New("test", 100, DropOldest, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.True(t, p.Append(newEvent(base.Add(time.Duration(i)*time.Second))))
	}

	batch := p.PopBatch(5)
	require.Len(t, batch, 5)
	for i := 1; i < len(batch); i++ {
		assert.True(t, batch[i].Event.Timestamp.After(batch[i-1].Event.Timestamp))
	}
}

func TestPopByTimestampReturnsNilAfterFirstPop(t *testing.T) {
	p := New("test", 10, DropOldest, 0)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, p.Append(newEvent(ts)))

	got := p.PopByTimestamp(ts)
	require.NotNil(t, got)

	again := p.PopByTimestamp(ts)
	assert.Nil(t, again)
}

func TestTimestampCollisionYieldsDistinctKeys(t *testing.T) {
	p := New("test", 100, DropOldest, 0)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const n = 10
	for i := 0; i < n; i++ {
		require.True(t, p.Append(newEvent(ts)))
	}

	assert.Equal(t, n, p.Len())

	seen := make(map[time.Time]bool)
	for _, meta := range p.Snapshot() {
		assert.False(t, seen[meta.Event.Timestamp], "duplicate key observed")
		seen[meta.Event.Timestamp] = true
	}
	assert.Len(t, seen, n)
}

func TestOverflowDropOldestKeepsMostRecentK(t *testing.T) {
	const maxSize = 3
	p := New("test", maxSize, DropOldest, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var timestamps []time.Time
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		timestamps = append(timestamps, ts)
		require.True(t, p.Append(newEvent(ts)))
	}

	assert.Equal(t, maxSize, p.Len())
	assert.EqualValues(t, 2, p.Stats().TotalDropped)

	remaining := p.Snapshot()
	require.Len(t, remaining, maxSize)
	for i, meta := range remaining {
		assert.Equal(t, timestamps[len(timestamps)-maxSize+i], meta.Event.Timestamp)
	}
}

func TestOverflowDropNewestRejectsIncoming(t *testing.T) {
	p := New("test", 1, DropNewest, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, p.Append(newEvent(base)))
	ok := p.Append(newEvent(base.Add(time.Second)))

	assert.False(t, ok)
	assert.Equal(t, 1, p.Len())
	assert.EqualValues(t, 1, p.Stats().TotalDropped)
}

func TestOverflowRejectLeavesPoolUnchanged(t *testing.T) {
	p := New("test", 1, Reject, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, p.Append(newEvent(base)))
	ok := p.Append(newEvent(base.Add(time.Second)))

	assert.False(t, ok)
	assert.Equal(t, 1, p.Len())
}

func TestAgeCleanupDropsExpiredEntries(t *testing.T) {
	p := New("test", 100, DropOldest, 10*time.Millisecond)
	require.True(t, p.Append(newEvent(time.Now())))

	time.Sleep(20 * time.Millisecond)
	p.Tick()

	assert.Equal(t, 0, p.Len())
	assert.EqualValues(t, 1, p.Stats().TotalDropped)
}

func TestReinsertPreservesAddedAtAndRetryCount(t *testing.T) {
	p := New("test", 10, DropOldest, 0)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newEvent(ts)
	require.True(t, p.Append(e))

	meta := p.PopByTimestamp(ts)
	require.NotNil(t, meta)
	meta.RetryCount = 2
	originalAddedAt := meta.AddedAt

	require.True(t, p.Reinsert(meta))

	got := p.PopByTimestamp(ts)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, originalAddedAt, got.AddedAt)
}
