// Package scanner runs the scan: a pool of workers, each driving its own
// executor over a shared queue of file paths, each keeping up to QueueDepth
// files in flight. Their collectors are merged when the queue is exhausted.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/migadu/mailscan/collector"
	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/consts"
	"github.com/migadu/mailscan/executor"
	"github.com/migadu/mailscan/headerscan"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/uring"
	"golang.org/x/sync/errgroup"
)

const (
	BackendAuto  = "auto"
	BackendURing = "uring"
	BackendSync  = "sync"
)

type Options struct {
	Backend         string
	QueueDepth      int
	Workers         int
	ReadBlockSize   int
	MaxHeaderSize   int
	MalformedPolicy headerscan.MalformedPolicy
	Dedup           bool
}

// OptionsFromConfig converts the [scan] section of the configuration.
func OptionsFromConfig(cfg config.ScanConfig) (Options, error) {
	block, err := cfg.GetReadBlockSize()
	if err != nil {
		return Options{}, err
	}
	maxHeader, err := cfg.GetMaxHeaderSize()
	if err != nil {
		return Options{}, err
	}
	policy, err := headerscan.ParseMalformedPolicy(cfg.MalformedFields)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Backend:         cfg.Backend,
		QueueDepth:      cfg.QueueDepth,
		Workers:         cfg.GetWorkers(),
		ReadBlockSize:   block,
		MaxHeaderSize:   maxHeader,
		MalformedPolicy: policy,
		Dedup:           cfg.Dedup,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = config.DefaultQueueDepth
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.ReadBlockSize <= 0 {
		o.ReadBlockSize = 4096
	}
	return o
}

// Stats summarizes a scan.
type Stats struct {
	Backend         string
	Files           int64
	Failed          int64
	Duplicates      int64
	Truncated       int64
	MalformedFields int64
	Addresses       int64
	BytesRead       int64
	Duration        time.Duration
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Failed += o.Failed
	s.Duplicates += o.Duplicates
	s.Truncated += o.Truncated
	s.MalformedFields += o.MalformedFields
	s.Addresses += o.Addresses
	s.BytesRead += o.BytesRead
}

type worker struct {
	id    int
	opts  Options
	match headerscan.Matcher
	ex    *executor.Executor
	coll  *collector.Collector
	dedup *dedupSet
	stats Stats
	log   *slog.Logger
}

// Run scans every path received from paths and returns the merged result.
// When ctx is cancelled workers stop taking paths, finish the files already
// in flight, and Run returns the partial result with ctx's error.
func Run(ctx context.Context, opts Options, m headerscan.Matcher, paths <-chan string) (*collector.Collector, Stats, error) {
	opts = opts.withDefaults()
	start := time.Now()

	rings, backend, err := openRings(opts)
	if err != nil {
		return nil, Stats{}, err
	}

	var dedup *dedupSet
	if opts.Dedup {
		dedup = &dedupSet{}
	}

	workers := make([]*worker, len(rings))
	for i, ring := range rings {
		workers[i] = &worker{
			id:    i,
			opts:  opts,
			match: m,
			ex:    executor.New(ring, opts.QueueDepth),
			coll:  collector.New(),
			dedup: dedup,
			log:   logger.With("worker", i),
		}
	}

	logger.InfoContext(ctx, "Scanner: starting", "backend", backend, "workers", len(workers),
		"queue_depth", opts.QueueDepth, "read_block_size", opts.ReadBlockSize,
		"malformed_fields", opts.MalformedPolicy.String(), "dedup", opts.Dedup)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			err := w.run(gctx, paths)
			if cerr := w.ex.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("worker %d: close ring: %w", w.id, cerr)
			}
			return err
		})
	}
	err = g.Wait()

	result := collector.New()
	stats := Stats{Backend: backend}
	for _, w := range workers {
		result.Merge(w.coll)
		stats.add(w.stats)
	}
	stats.Duration = time.Since(start)
	metrics.ScanDuration.Observe(stats.Duration.Seconds())

	logger.InfoContext(ctx, "Scanner: finished", "files", stats.Files, "failed", stats.Failed,
		"duplicates", stats.Duplicates, "truncated", stats.Truncated,
		"addresses", result.Len(), "read", humanize.Bytes(uint64(stats.BytesRead)),
		"duration", stats.Duration.Round(time.Millisecond))

	if err == nil {
		err = ctx.Err()
	}
	return result, stats, err
}

// openRings creates one ring per worker. In auto mode a failing io_uring
// setup switches every worker to the synchronous ring.
func openRings(opts Options) ([]executor.Ring, string, error) {
	backend := opts.Backend
	switch backend {
	case BackendAuto, BackendURing, BackendSync:
	default:
		return nil, "", fmt.Errorf("unknown backend %q", backend)
	}

	rings := make([]executor.Ring, 0, opts.Workers)
	closeAll := func() {
		for _, r := range rings {
			r.Close()
		}
	}

	for i := 0; i < opts.Workers; i++ {
		ring, err := newRing(backend, opts.QueueDepth)
		if err != nil && backend == BackendAuto && i == 0 {
			logger.Warn("Scanner: io_uring unavailable, falling back to synchronous reads", "error", err)
			backend = BackendSync
			ring, err = newRing(backend, opts.QueueDepth)
		}
		if err != nil {
			closeAll()
			return nil, "", fmt.Errorf("failed to create %s ring for worker %d: %w", backend, i, err)
		}
		rings = append(rings, ring)
	}

	if backend == BackendAuto {
		backend = BackendURing
	}
	return rings, backend, nil
}

func newRing(backend string, depth int) (executor.Ring, error) {
	if depth <= 0 || depth > config.MaxQueueDepth {
		return nil, fmt.Errorf("%w: got %d", consts.ErrInvalidQueueDepth, depth)
	}
	if backend == BackendSync {
		r, err := uring.NewSyncRing(uint32(depth))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := uring.NewRing(uint32(depth))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// run keeps the executor's window full from the path queue and polls until
// the queue is closed and every task has finished. Polls block only when no
// more work can be spawned right now.
func (w *worker) run(ctx context.Context, paths <-chan string) error {
	var next string
	haveNext := false
	queueOpen := true

	for {
		if queueOpen && ctx.Err() != nil {
			queueOpen = false
		}

		queueEmpty := false
	fill:
		for queueOpen && w.ex.Live() < w.ex.Window() {
			if !haveNext {
				select {
				case p, ok := <-paths:
					if !ok {
						queueOpen = false
						break fill
					}
					next, haveNext = p, true
				case <-ctx.Done():
					queueOpen = false
					break fill
				default:
					queueEmpty = true
					break fill
				}
			}

			if _, err := w.ex.Spawn(w.newTask(next)); err != nil {
				if errors.Is(err, consts.ErrExhausted) {
					break fill
				}
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			haveNext = false
		}

		if w.ex.Live() == 0 {
			if !queueOpen {
				return nil
			}
			if !haveNext {
				select {
				case p, ok := <-paths:
					if !ok {
						queueOpen = false
					} else {
						next, haveNext = p, true
					}
				case <-ctx.Done():
					queueOpen = false
				}
			}
			continue
		}

		blocking := !queueOpen || queueEmpty || haveNext || w.ex.Live() >= w.ex.Window()
		if _, err := w.ex.Poll(blocking); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
	}
}
