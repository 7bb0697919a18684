package pagecache

import "github.com/STEMHA/FlashGraph/pagecache/page"

// fakeMemoryManager is a trivial in-memory MemoryManager for tests: it
// hands out freshly allocated buffers up to a byte budget and discards
// anything freed, since tests don't care about reuse.
type fakeMemoryManager struct {
	pageSize int
	maxBytes int64
	used     int64
	registered map[*AssociativeCache]bool
}

func newFakeMemoryManager(pageSize int, maxBytes int64) *fakeMemoryManager {
	return &fakeMemoryManager{
		pageSize:   pageSize,
		maxBytes:   maxBytes,
		registered: make(map[*AssociativeCache]bool),
	}
}

func (m *fakeMemoryManager) GetFreePages(n int, owner *AssociativeCache) ([]*page.Page, bool) {
	need := int64(n) * int64(m.pageSize)
	if m.used+need > m.maxBytes {
		return nil, false
	}
	m.used += need
	out := make([]*page.Page, n)
	for i := range out {
		out[i] = page.New(make([]byte, m.pageSize), 0)
	}
	return out, true
}

func (m *fakeMemoryManager) FreePages(pages []*page.Page) {
	m.used -= int64(len(pages)) * int64(m.pageSize)
}

func (m *fakeMemoryManager) GetMaxSize() int64 { return m.maxBytes }

func (m *fakeMemoryManager) RegisterCache(c *AssociativeCache)   { m.registered[c] = true }
func (m *fakeMemoryManager) UnregisterCache(c *AssociativeCache) { delete(m.registered, c) }

// fakeAsyncIO completes every request synchronously and in-line, marking
// pages data-ready and invoking the completion sink immediately.
type fakeAsyncIO struct {
	accessed [][]*Request
}

func (io *fakeAsyncIO) Access(reqs []*Request) error {
	io.accessed = append(io.accessed, reqs)
	for _, req := range reqs {
		for _, pg := range req.Pages {
			pg.SetDataReady(true)
		}
		if req.Completion != nil {
			req.Completion.NotifyCompletion([]*Request{req})
		}
	}
	return nil
}
