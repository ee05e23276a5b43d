// Package asset persists terrain to disk: region octrees (.rog), voxel
// model blobs (.rvox) and the world manifest. Loads and saves run on a
// worker pool; the caller polls completion handles each tick and never
// blocks on IO.
package asset

import (
	"errors"
	"io/fs"
	"sync"

	"voxelrogue.dev/internal/voxel"
)

// Handle identifies one outstanding load or save.
type Handle uint64

// ErrKind classifies a failed task for the chunk manager's recovery
// rules.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNotFound
	ErrDecodeFailed
	ErrIoFailed
)

func (k ErrKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrNotFound:
		return "not found"
	case ErrDecodeFailed:
		return "decode failed"
	case ErrIoFailed:
		return "io failed"
	}
	return "unknown"
}

// errDecode marks decode failures so classify can tell them from plain
// IO errors; codecs wrap their errors with it.
var errDecode = errors.New("decode")

func classify(err error) ErrKind {
	switch {
	case err == nil:
		return ErrNone
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, errDecode):
		return ErrDecodeFailed
	default:
		return ErrIoFailed
	}
}

// Result is a finished task. Region is set for region loads, Model for
// model loads; saves carry neither.
type Result struct {
	Handle Handle
	Kind   ErrKind
	Err    error

	Region *RegionNode
	Model  voxel.Model
}

func (r Result) Ok() bool { return r.Kind == ErrNone }

type job struct {
	handle Handle
	run    func() Result
}

// Store owns the IO worker pool.
type Store struct {
	jobs chan job
	done chan Result
	wg   sync.WaitGroup

	mu      sync.Mutex
	next    uint64
	pending int
	results map[Handle]Result
}

// NewStore starts workers goroutines servicing the IO queue.
func NewStore(workers int) *Store {
	if workers < 1 {
		workers = 1
	}
	s := &Store{
		jobs:    make(chan job, 256),
		done:    make(chan Result, 256),
		results: make(map[Handle]Result),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Store) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		res := j.run()
		res.Handle = j.handle
		s.done <- res
	}
}

// Close drains outstanding work and stops the workers. Results of jobs
// finished during shutdown remain pollable.
func (s *Store) Close() {
	close(s.jobs)
	s.wg.Wait()
	s.drain()
}

func (s *Store) enqueue(run func() Result) Handle {
	s.mu.Lock()
	s.next++
	h := Handle(s.next)
	s.pending++
	s.mu.Unlock()
	s.jobs <- job{handle: h, run: run}
	return h
}

func (s *Store) drain() {
	for {
		select {
		case res := <-s.done:
			s.mu.Lock()
			s.results[res.Handle] = res
			s.pending--
			s.mu.Unlock()
		default:
			return
		}
	}
}

// Poll claims the result for h if the task has finished.
func (s *Store) Poll(h Handle) (Result, bool) {
	s.drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[h]
	if ok {
		delete(s.results, h)
	}
	return res, ok
}

// Pending counts tasks not yet claimed through Poll.
func (s *Store) Pending() int {
	s.drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending + len(s.results)
}

// LoadRegion reads and decodes a .rog region asset.
func (s *Store) LoadRegion(path string) Handle {
	return s.enqueue(func() Result {
		root, err := ReadRegion(path)
		return Result{Kind: classify(err), Err: err, Region: root}
	})
}

// SaveRegion encodes and writes a .rog region asset. The tree must not
// be mutated until the handle completes.
func (s *Store) SaveRegion(path string, root *RegionNode) Handle {
	return s.enqueue(func() Result {
		err := WriteRegion(path, root)
		return Result{Kind: classify(err), Err: err}
	})
}

// LoadModel reads and decodes a .rvox model blob.
func (s *Store) LoadModel(path string) Handle {
	return s.enqueue(func() Result {
		m, err := ReadModel(path)
		return Result{Kind: classify(err), Err: err, Model: m}
	})
}

// SaveModel encodes and writes a .rvox model blob. Pass a compressed
// snapshot; pointer forms are snapshotted by the caller so the worker
// never touches live models.
func (s *Store) SaveModel(path string, m voxel.Model) Handle {
	return s.enqueue(func() Result {
		err := WriteModel(path, m)
		return Result{Kind: classify(err), Err: err}
	})
}
