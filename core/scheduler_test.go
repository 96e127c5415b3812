package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConflictsDetectsReadWriteOverlap(t *testing.T) {
	a := System{Name: "a", Writes: []string{"position"}}
	b := System{Name: "b", Reads: []string{"position"}}
	c := System{Name: "c", Reads: []string{"velocity"}}

	require.True(t, conflicts(a, b))
	require.False(t, conflicts(a, c))
	require.False(t, conflicts(b, c))
}

func TestBatchByAccessSetGroupsNonConflictingSystems(t *testing.T) {
	a := System{Name: "a", Writes: []string{"position"}}
	b := System{Name: "b", Writes: []string{"velocity"}}
	c := System{Name: "c", Reads: []string{"position"}}

	batches := batchByAccessSet([]System{a, b, c})
	require.Len(t, batches, 2, "a and b touch disjoint tags and share a batch; c conflicts with a")

	first := batches[0]
	require.Len(t, first, 2)
	require.ElementsMatch(t, []string{"a", "b"}, []string{first[0].Name, first[1].Name})
}

func TestSchedulerRunTickRunsPhasesInOrder(t *testing.T) {
	sched := NewScheduler(nil)
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	sched.Register(PhaseNettySend, System{Name: "send", Run: record("send")})
	sched.Register(PhaseNettyReceive, System{Name: "receive", Run: record("receive")})
	sched.Register(PhaseMain, System{Name: "main", Run: record("main")})

	require.NoError(t, sched.RunTick(context.Background()))
	require.Equal(t, []string{"receive", "main", "send"}, order)
}

func TestSchedulerRunTickWaitsForEntirePhaseBeforeNextPhase(t *testing.T) {
	sched := NewScheduler(nil)
	var mu sync.Mutex
	var order []string
	slow := System{Name: "slow", Writes: []string{"a"}, Run: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "slow")
		mu.Unlock()
		return nil
	}}
	fast := System{Name: "fast", Writes: []string{"b"}, Run: func(context.Context) error {
		mu.Lock()
		order = append(order, "fast")
		mu.Unlock()
		return nil
	}}
	next := System{Name: "next", Run: func(context.Context) error {
		mu.Lock()
		order = append(order, "next")
		mu.Unlock()
		return nil
	}}

	sched.Register(PhaseMain, slow)
	sched.Register(PhaseMain, fast)
	sched.Register(PhasePrePhysics, next)

	require.NoError(t, sched.RunTick(context.Background()))
	require.Equal(t, "next", order[len(order)-1], "PrePhysics must not start before every Main system finishes")
}

func TestSchedulerRunTickPropagatesSystemError(t *testing.T) {
	sched := NewScheduler(nil)
	wantErr := context.Canceled
	sched.Register(PhaseMain, System{Name: "boom", Run: func(context.Context) error { return wantErr }})
	err := sched.RunTick(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestSchedulerDispatchPollCancel(t *testing.T) {
	sched := NewScheduler(nil)

	start := make(chan struct{})
	sched.Dispatch("task-a", func() (interface{}, error) {
		<-start
		return 42, nil
	})

	_, _, ready := sched.Poll("task-a")
	require.False(t, ready, "an in-flight task must not be reported ready")

	close(start)
	var (
		result interface{}
		err    error
	)
	require.Eventually(t, func() bool {
		result, err, ready = sched.Poll("task-a")
		return ready
	}, time.Second, time.Millisecond)

	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, 42, result)

	_, _, ready = sched.Poll("task-a")
	require.False(t, ready, "a polled-and-consumed task must not be returned again")
}

func TestSchedulerCancelDiscardsLateResult(t *testing.T) {
	sched := NewScheduler(nil)
	start := make(chan struct{})
	done := make(chan struct{})
	sched.Dispatch("task-b", func() (interface{}, error) {
		<-start
		close(done)
		return "late", nil
	})

	sched.Cancel("task-b")
	close(start)
	<-done

	_, _, ready := sched.Poll("task-b")
	require.False(t, ready, "cancelled tasks are removed and never reappear via Poll")
}
