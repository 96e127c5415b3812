package core

// Scheduler — single logical tick split into the fixed phase order of §5,
// with same-phase systems run concurrently when their declared access sets
// don't overlap. Grounded on the errgroup fan-out/join pattern used
// elsewhere in the retrieval pack for bounded concurrent work (each batch
// is an errgroup.Group; the scheduler never holds a goroutine open past
// the tick that spawned it, matching "no suspension points" in §5).

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Phase names the fixed partial order a tick runs through.
type Phase string

const (
	PhaseNettyReceive               Phase = "NettyReceive"
	PhaseMain                       Phase = "Main"
	PhaseLocationSyncing            Phase = "LocationSyncing"
	PhasePrePhysics                 Phase = "PrePhysics"
	PhasePhysics                    Phase = "Physics"
	PhasePostPhysics                Phase = "PostPhysics"
	PhaseLocationSyncingPostPhysics Phase = "LocationSyncingPostPhysics"
	PhaseNettySend                  Phase = "NettySend"
)

// phaseOrder is the fixed sequence every tick runs, start to finish.
var phaseOrder = []Phase{
	PhaseNettyReceive, PhaseMain, PhaseLocationSyncing, PhasePrePhysics,
	PhasePhysics, PhasePostPhysics, PhaseLocationSyncingPostPhysics, PhaseNettySend,
}

// System is one unit of per-tick work. Reads and Writes declare the
// component-type tags it touches; the scheduler uses these to decide which
// systems in the same phase may run concurrently.
type System struct {
	Name   string
	Reads  []string
	Writes []string
	Run    func(ctx context.Context) error
}

func (s System) accessSet() map[string]bool {
	out := make(map[string]bool, len(s.Reads)+len(s.Writes))
	for _, r := range s.Reads {
		out[r] = true
	}
	for _, w := range s.Writes {
		out[w] = true
	}
	return out
}

// conflicts reports whether two systems may not run concurrently: true if
// either writes a tag the other reads or writes.
func conflicts(a, b System) bool {
	aw := make(map[string]bool, len(a.Writes))
	for _, w := range a.Writes {
		aw[w] = true
	}
	bw := make(map[string]bool, len(b.Writes))
	for _, w := range b.Writes {
		bw[w] = true
	}
	for t := range a.accessSet() {
		if bw[t] {
			return true
		}
	}
	for t := range b.accessSet() {
		if aw[t] {
			return true
		}
	}
	return false
}

// batchByAccessSet greedily partitions systems into concurrency-safe
// batches: each system joins the first batch none of whose members it
// conflicts with, else starts a new one.
func batchByAccessSet(systems []System) [][]System {
	var batches [][]System
	for _, s := range systems {
		placed := false
		for i, batch := range batches {
			ok := true
			for _, other := range batch {
				if conflicts(s, other) {
					ok = false
					break
				}
			}
			if ok {
				batches[i] = append(batches[i], s)
				placed = true
				break
			}
		}
		if !placed {
			batches = append(batches, []System{s})
		}
	}
	return batches
}

// pendingTask is a handle to thread-pool work dispatched by a system that
// does not want to block the tick — chunk generation, blueprint loads, LOD
// recompute. It is polled once per tick; if the task was cancelled (the
// owning entity despawned) its result, even if it later arrives, is
// discarded.
type pendingTask struct {
	done      chan struct{}
	result    interface{}
	err       error
	cancelled bool
}

// Scheduler owns the registered systems per phase and the in-flight async
// task table.
type Scheduler struct {
	log     *logrus.Logger
	systems map[Phase][]System

	tasks map[string]*pendingTask
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{log: log, systems: make(map[Phase][]System), tasks: make(map[string]*pendingTask)}
	for _, p := range phaseOrder {
		s.systems[p] = nil
	}
	return s
}

// Register adds sys to the named phase, in registration order within that
// phase (order only matters across batches, never within one).
func (s *Scheduler) Register(phase Phase, sys System) {
	s.systems[phase] = append(s.systems[phase], sys)
}

// RunTick executes every phase in order; within a phase, concurrency-safe
// batches run one after another, the systems of each batch run concurrently
// via errgroup, and the scheduler waits for the whole phase before advancing, per "NettyReceive completes before Main"
// and the analogous guarantee for every adjacent phase pair.
func (s *Scheduler) RunTick(ctx context.Context) error {
	for _, phase := range phaseOrder {
		systems := s.systems[phase]
		if len(systems) == 0 {
			continue
		}
		for _, batch := range batchByAccessSet(systems) {
			g, gctx := errgroup.WithContext(ctx)
			for _, sys := range batch {
				sys := sys
				g.Go(func() error {
					if err := sys.Run(gctx); err != nil {
						s.log.WithFields(logrus.Fields{"phase": string(phase), "system": sys.Name}).
							Warn("system returned error")
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dispatch starts fn on a separate goroutine under key, to be polled with
// Poll on later ticks rather than awaited in-tick.
func (s *Scheduler) Dispatch(key string, fn func() (interface{}, error)) {
	t := &pendingTask{done: make(chan struct{})}
	s.tasks[key] = t
	go func() {
		defer close(t.done)
		result, err := fn()
		if t.cancelled {
			return
		}
		t.result, t.err = result, err
	}()
}

// Poll returns (result, err, ready) for key without blocking. Once ready,
// the task handle is removed.
func (s *Scheduler) Poll(key string) (interface{}, error, bool) {
	t, ok := s.tasks[key]
	if !ok {
		return nil, nil, false
	}
	select {
	case <-t.done:
		delete(s.tasks, key)
		return t.result, t.err, true
	default:
		return nil, nil, false
	}
}

// Cancel marks key's pending task cancelled; a late-arriving result is
// discarded instead of being stored for Poll to return.
func (s *Scheduler) Cancel(key string) {
	if t, ok := s.tasks[key]; ok {
		t.cancelled = true
		delete(s.tasks, key)
	}
}
