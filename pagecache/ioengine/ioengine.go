// Package ioengine implements the reference pagecache.AsyncIO: an
// in-process simulated asynchronous block device standing in for the
// source's real AIO driver, which is explicitly out of scope to port.
package ioengine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/STEMHA/FlashGraph/pagecache"
)

// Engine runs a small pool of worker goroutines, one conceptually per
// NUMA-local simulated disk, each pulling Request values off a shared
// channel and reporting completion back through the request's own
// CompletionSink.
type Engine struct {
	reqs chan *pagecache.Request

	minLatency time.Duration
	maxLatency time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts workers goroutines, each simulating per-request latency
// uniformly distributed in [minLatency, maxLatency).
func New(workers int, minLatency, maxLatency time.Duration) *Engine {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reqs:       make(chan *pagecache.Request, 256),
		minLatency: minLatency,
		maxLatency: maxLatency,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	return e
}

// Close stops every worker goroutine. A request a worker is already
// serving still completes; requests still waiting in the queue, and any
// submitted afterward, are never served.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.reqs:
			e.serve(req)
		}
	}
}

func (e *Engine) jitter() time.Duration {
	if e.maxLatency <= e.minLatency {
		return e.minLatency
	}
	span := e.maxLatency - e.minLatency
	return e.minLatency + time.Duration(rand.Int63n(int64(span)))
}

func (e *Engine) serve(req *pagecache.Request) {
	time.Sleep(e.jitter())
	if !req.Write {
		for _, pg := range req.Pages {
			pg.SetDataReady(true)
		}
	}
	if req.Completion != nil {
		req.Completion.NotifyCompletion([]*pagecache.Request{req})
	}
}

// Access implements pagecache.AsyncIO: it fans each request in reqs out
// to the worker pool concurrently (via an errgroup, so a full channel
// backpressures the caller rather than blocking silently forever) and
// waits for all of them to be accepted before returning.
func (e *Engine) Access(reqs []*pagecache.Request) error {
	var g errgroup.Group
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			select {
			case e.reqs <- req:
				return nil
			case <-time.After(5 * time.Second):
				log.WithField("offset", req.Offset).Warn("ioengine: request queue full, dropping")
				return context.DeadlineExceeded
			}
		})
	}
	return g.Wait()
}
