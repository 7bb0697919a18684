package ioengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/STEMHA/FlashGraph/pagecache"
	"github.com/STEMHA/FlashGraph/pagecache/page"
)

type recordingSink struct {
	mu        sync.Mutex
	completed int
}

func (s *recordingSink) NotifyCompletion(reqs []*pagecache.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range reqs {
		s.completed += len(req.Pages)
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func TestEngineCompletesRequests(t *testing.T) {
	e := New(2, time.Millisecond, 2*time.Millisecond)
	t.Cleanup(e.Close)

	sink := &recordingSink{}
	pg := page.New(make([]byte, page.Size), 0)
	req := &pagecache.Request{Offset: 0, Pages: []*page.Page{pg}, Completion: sink}

	require.NoError(t, e.Access([]*pagecache.Request{req}))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 2*time.Millisecond)
	require.True(t, pg.IsDataReady())
}

func TestEngineFansOutMultipleRequests(t *testing.T) {
	e := New(4, time.Millisecond, time.Millisecond)
	t.Cleanup(e.Close)

	sink := &recordingSink{}
	var reqs []*pagecache.Request
	for i := 0; i < 8; i++ {
		pg := page.New(make([]byte, page.Size), 0)
		reqs = append(reqs, &pagecache.Request{Offset: int64(i), Pages: []*page.Page{pg}, Completion: sink})
	}

	require.NoError(t, e.Access(reqs))
	require.Eventually(t, func() bool {
		return sink.count() == 8
	}, time.Second, 2*time.Millisecond)
}
