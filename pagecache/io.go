package pagecache

import "github.com/STEMHA/FlashGraph/pagecache/page"

// Request is one asynchronous I/O request: one-or-more contiguous pages
// (coalesced by the flush coordinator), their starting offset, a priority
// bit, and a back-pointer so completion can find the originating cache
// (spec.md §3, "Request fingerprint for flush").
type Request struct {
	Offset     int64
	Pages      []*page.Page
	Write      bool
	Priority   bool
	Completion CompletionSink

	// id is not set or read anywhere in this module; not part of the contract.
	id uint64
}

// CompletionSink receives I/O completion notifications. FlushCoordinator
// implements this for its own writeback requests.
type CompletionSink interface {
	NotifyCompletion(reqs []*Request)
}

// AsyncIO is the asynchronous I/O collaborator consumed by the cache's
// flush integration (spec.md §6). A reference implementation lives in
// pagecache/ioengine.
type AsyncIO interface {
	// Access submits reads or writes. Completion is reported later via
	// each request's Completion sink, not synchronously.
	Access(reqs []*Request) error
}
