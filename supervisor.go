package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// spawnFunc runs one worker incarnation to completion. The production spawn
// opens the worker's private Gateway; tests inject stubs.
type spawnFunc func(ctx context.Context, stop <-chan struct{}, shard ShardConfig, runID string) error

type workerExit struct {
	shard ShardConfig
	runID string
	err   error
}

// Supervisor keeps exactly one live worker per shard. Crashed workers are
// respawned after a fixed delay. Spawn failures take the same path: the
// worker exits with an error and is respawned, so no shard is ever left
// permanently unattended. On stop it closes the soft-stop channel, waits
// out the drain budget, then cancels the hard context and reaps everyone.
type Supervisor struct {
	shards       []ShardConfig
	spawn        spawnFunc
	metrics      *Metrics
	respawnDelay time.Duration
	drainTimeout time.Duration
}

func NewSupervisor(cfg config, shards []ShardConfig, spawn spawnFunc, m *Metrics) *Supervisor {
	return &Supervisor{
		shards:       shards,
		spawn:        spawn,
		metrics:      m,
		respawnDelay: cfg.respawnDelay,
		drainTimeout: cfg.drainTimeout,
	}
}

// Run blocks until every worker has been reaped. quit asks for a graceful
// shutdown; a nil return means a clean drain (also returned immediately when
// no shards are configured).
func (s *Supervisor) Run(ctx context.Context, quit <-chan struct{}) error {
	if len(s.shards) == 0 {
		fmt.Println("[supervisor] no shards configured, nothing to do")
		return nil
	}

	hctx, hcancel := context.WithCancel(ctx)
	defer hcancel()
	stop := make(chan struct{})
	exits := make(chan workerExit, len(s.shards))
	respawns := make(chan ShardConfig, len(s.shards))

	var wg sync.WaitGroup
	live := 0
	for _, sh := range s.shards {
		s.launch(hctx, stop, sh, exits, &wg)
		live++
	}
	s.metrics.SetLiveWorkers(live)
	fmt.Printf("[supervisor] started %d workers\n", live)

	stopping := false
	var drainTimer *time.Timer
	for {
		if stopping && live == 0 {
			break
		}
		select {
		case <-quit:
			quit = nil // closed channels always select; disarm after the first stop
			stopping = true
			fmt.Printf("[supervisor] stop requested, draining %d workers (budget %s)\n", live, s.drainTimeout)
			close(stop)
			drainTimer = time.AfterFunc(s.drainTimeout, hcancel)

		case ex := <-exits:
			live--
			s.metrics.SetLiveWorkers(live)
			switch {
			case ex.err == nil:
				fmt.Printf("[supervisor] worker %s %s exited cleanly\n", ex.shard.Name, ex.runID[:8])
			case errors.Is(ex.err, context.Canceled):
				fmt.Printf("[supervisor] worker %s %s killed\n", ex.shard.Name, ex.runID[:8])
			default:
				fmt.Printf("[supervisor] worker %s %s died: %v\n", ex.shard.Name, ex.runID[:8], ex.err)
			}
			if !stopping {
				sh := ex.shard
				time.AfterFunc(s.respawnDelay, func() {
					// The channel is sized for one pending respawn per
					// shard, so this never blocks.
					respawns <- sh
				})
			}

		case sh := <-respawns:
			if stopping {
				continue
			}
			s.metrics.IncRestarts()
			s.launch(hctx, stop, sh, exits, &wg)
			live++
			s.metrics.SetLiveWorkers(live)
			fmt.Printf("[supervisor] respawned worker for %s\n", sh.Name)
		}
	}

	if drainTimer != nil {
		drainTimer.Stop()
	}
	wg.Wait()
	fmt.Println("[supervisor] all workers reaped")
	return nil
}

// launch starts one worker goroutine. A panic inside the worker is converted
// into a crash exit so the monitor loop can respawn instead of the whole
// process dying.
func (s *Supervisor) launch(ctx context.Context, stop <-chan struct{}, shard ShardConfig, exits chan<- workerExit, wg *sync.WaitGroup) {
	runID := uuid.NewString()
	wg.Add(1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
			exits <- workerExit{shard: shard, runID: runID, err: err}
			wg.Done()
		}()
		err = s.spawn(ctx, stop, shard, runID)
	}()
}
