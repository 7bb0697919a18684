package page

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	return New(make([]byte, Size), 0)
}

func TestNewPageStartsUnassigned(t *testing.T) {
	p := newTestPage(t)
	require.Equal(t, InvalidOffset, p.Offset())
	require.False(t, p.IsDataReady())
	require.Equal(t, int32(0), p.RefCount())
}

func TestIncDecRef(t *testing.T) {
	p := newTestPage(t)
	require.Equal(t, int32(1), p.IncRef())
	require.Equal(t, int32(2), p.IncRef())
	require.Equal(t, int32(1), p.DecRef())
	require.Equal(t, int32(0), p.DecRef())
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	p := newTestPage(t)
	require.Panics(t, func() {
		p.DecRef()
	})
}

func TestSetOffsetRequiresZeroRefcount(t *testing.T) {
	p := newTestPage(t)
	p.IncRef()
	require.Panics(t, func() {
		p.SetOffset(4096)
	})
	p.DecRef()
	require.NotPanics(t, func() {
		p.SetOffset(4096)
	})
	require.Equal(t, int64(4096), p.Offset())
}

func TestSetOffsetClearsDataReady(t *testing.T) {
	p := newTestPage(t)
	p.SetDataReady(true)
	p.SetOffset(0)
	require.False(t, p.IsDataReady())
}

func TestHitSaturates(t *testing.T) {
	p := newTestPage(t)
	for i := 0; i < 300; i++ {
		p.Hit()
	}
	require.Equal(t, uint8(255), p.Hits())
	require.True(t, p.Saturated())
}

func TestScaleDownHits(t *testing.T) {
	p := newTestPage(t)
	p.SetHits(200)
	p.ScaleDownHits()
	require.Equal(t, uint8(100), p.Hits())
}

func TestDirtyToOldDirtyTransition(t *testing.T) {
	p := newTestPage(t)
	p.SetDirty()
	p.MarkDirtyToOldDirty()
	require.False(t, p.IsDirty())
	require.True(t, p.IsOldDirty())

	// calling again is a no-op: the page is no longer plain dirty.
	p.MarkDirtyToOldDirty()
	require.True(t, p.IsOldDirty())
}

func TestMarkDirtyToOldDirtyNoopWhenNotDirty(t *testing.T) {
	p := newTestPage(t)
	p.MarkDirtyToOldDirty()
	require.False(t, p.IsOldDirty())
}

func TestWaitUnusedWakesOnDecRef(t *testing.T) {
	p := newTestPage(t)
	p.IncRef()

	done := make(chan struct{})
	go func() {
		p.WaitUnused()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitUnused returned before refcount dropped to zero")
	case <-time.After(20 * time.Millisecond):
	}

	p.DecRef()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUnused did not wake after DecRef reached zero")
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	p := newTestPage(t)
	p.PushPending(Pending{Offset: 0, RequestID: 1})
	p.PushPending(Pending{Offset: 4096, RequestID: 2})

	req, ok := p.PopPending()
	require.True(t, ok)
	require.Equal(t, uint64(1), req.RequestID)

	req, ok = p.PopPending()
	require.True(t, ok)
	require.Equal(t, uint64(2), req.RequestID)

	_, ok = p.PopPending()
	require.False(t, ok)
}

func TestConcurrentIncDecRef(t *testing.T) {
	p := newTestPage(t)
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.IncRef()
		go func() {
			defer wg.Done()
			p.DecRef()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(0), p.RefCount())
}
