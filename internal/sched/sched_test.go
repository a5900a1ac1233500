package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/ksignal"
	"github.com/ankhcore/coreos/internal/page"
	"github.com/ankhcore/coreos/internal/paging"
	"github.com/ankhcore/coreos/internal/vfs"
	"github.com/ankhcore/coreos/internal/vmregion"
)

func newSched(npages int) *Scheduler {
	return New(page.NewAllocator(npages, nil), nil)
}

func TestSpawnMarksTaskRunnableAndSchedulable(t *testing.T) {
	s := newSched(64)
	a, err := s.Spawn("a")
	require.Zero(t, err)
	require.Equal(t, StateRunning, a.State)
	require.Same(t, a, s.Schedule())
}

func TestSpawnGetsItsOwnAddressSpaceAndKernelStack(t *testing.T) {
	s := newSched(64)
	a, err := s.Spawn("a")
	require.Zero(t, err)
	require.NotNil(t, a.Mm)
	require.NotNil(t, a.Mm.AS)
	require.NotNil(t, a.KStack)
	require.Len(t, a.KStack.Bytes, KStackSize)
}

func TestIdleRunsWhenNothingElseIsReady(t *testing.T) {
	s := newSched(64)
	require.Equal(t, "idle", s.Schedule().Name)
}

func TestForkSharesFilesUnderCloneFiles(t *testing.T) {
	s := newSched(64)
	parent, _ := s.Spawn("p")
	parent.Files = vfs.NewFdTable(4)

	child, err := s.Fork(parent, true, true, true, false)
	require.Zero(t, err)
	require.Same(t, parent.Files, child.Files)
	require.Same(t, parent.Mm, child.Mm)
	require.Contains(t, parent.children, child)
	require.Same(t, parent, child.Parent)
}

func TestForkPrivateMmDuplicatesAddressSpaceNotShareIt(t *testing.T) {
	s := newSched(64)
	parent, _ := s.Spawn("p")

	child, err := s.Fork(parent, false, false, false, false)
	require.Zero(t, err)
	require.NotSame(t, parent.Mm, child.Mm)
	require.NotSame(t, parent.Mm.AS, child.Mm.AS)
}

func TestForkCOWSharesFrameUntilChildWrites(t *testing.T) {
	pages := page.NewAllocator(64, nil)
	s := New(pages, nil)
	parent, err := s.Spawn("p")
	require.Zero(t, err)

	const va = 0x2000
	require.Zero(t, parent.Mm.AS.MapAnonymous(va, va+common.PGSIZE, vmregion.ProtRead|vmregion.ProtWrite))
	require.Zero(t, parent.Mm.AS.Fault(va, true))
	parentPte := parent.Mm.AS.Dir.Lookup(va)
	pages.Data(parentPte.Frame)[0] = 0xAA

	child, err := s.Fork(parent, false, false, false, false)
	require.Zero(t, err)

	parentPte = parent.Mm.AS.Dir.Lookup(va)
	require.NotZero(t, parentPte.Flags&paging.COW)
	childPte := child.Mm.AS.Dir.Lookup(va)
	require.Equal(t, parentPte.Frame, childPte.Frame)
	require.EqualValues(t, 2, pages.Refcount(parentPte.Frame))

	require.Zero(t, child.Mm.AS.Fault(va, true))
	childPte = child.Mm.AS.Dir.Lookup(va)
	pages.Data(childPte.Frame)[0] = 0xBB

	require.NotEqual(t, parentPte.Frame, childPte.Frame)
	require.EqualValues(t, 0xAA, pages.Data(parentPte.Frame)[0], "parent's page must be unaffected by the child's write")
	require.EqualValues(t, 0xBB, pages.Data(childPte.Frame)[0])
	require.EqualValues(t, 1, pages.Refcount(parentPte.Frame))
}

func TestExitTearsDownUnsharedAddressSpace(t *testing.T) {
	pages := page.NewAllocator(64, nil)
	s := New(pages, nil)
	init, _ := s.Spawn("init")
	parent, _ := s.Spawn("p")

	const va = 0x3000
	require.Zero(t, parent.Mm.AS.MapAnonymous(va, va+common.PGSIZE, vmregion.ProtRead|vmregion.ProtWrite))
	require.Zero(t, parent.Mm.AS.Fault(va, true))
	before := pages.NFree()

	s.Exit(parent, init, 0)
	require.Equal(t, before+1, pages.NFree(), "the task's last mapped frame must be freed on exit")
	require.Nil(t, parent.Mm)
	require.Nil(t, parent.KStack)
}

func TestForkWithoutInheritPendingStartsClean(t *testing.T) {
	s := newSched(64)
	parent, _ := s.Spawn("p")
	parent.Signal = ksignal.New()
	parent.Signal.Raise(2, nil)

	child, err := s.Fork(parent, false, false, false, false)
	require.Zero(t, err)
	require.Zero(t, child.Signal.Pending)
}

func TestSleepOnBlocksUntilWakeUp(t *testing.T) {
	s := newSched(64)
	a, _ := s.Spawn("a")
	q := NewQueue()

	done := make(chan bool, 1)
	go func() {
		done <- s.SleepOn(q, a, false)
	}()

	// give the goroutine a chance to register on the queue
	for {
		q.mu.Lock()
		n := len(q.waiters)
		q.mu.Unlock()
		if n == 1 {
			break
		}
	}
	s.WakeUp(q)
	require.True(t, <-done)
}

func TestSleepOnInterruptedBySignalReturnsFalse(t *testing.T) {
	s := newSched(64)
	a, _ := s.Spawn("a")
	a.Signal = ksignal.New()
	a.Signal.Raise(2, nil)
	q := NewQueue()

	ok := s.SleepOn(q, a, true)
	require.False(t, ok)
	require.Equal(t, StateRunning, a.State)
}

func TestWakeUpExclusiveWakesOnlyOneWaiter(t *testing.T) {
	s := newSched(64)
	a, _ := s.Spawn("a")
	b, _ := s.Spawn("b")
	q := NewQueue()

	s.mu.Lock()
	a.State = StateInterruptibleSleep
	a.onQueue = q
	b.State = StateInterruptibleSleep
	b.onQueue = q
	s.ready = nil
	s.mu.Unlock()
	q.waiters = []*Task{a, b}

	s.WakeUpExclusive(q)
	require.Equal(t, StateRunning, a.State)
	require.Equal(t, StateInterruptibleSleep, b.State)
	require.Len(t, q.waiters, 1)
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	s := newSched(64)
	init, _ := s.Spawn("init")
	parent, _ := s.Spawn("p")
	child, _ := s.Fork(parent, false, false, false, false)

	s.Exit(parent, init, 0)
	require.Same(t, init, child.Parent)
	require.Contains(t, init.children, child)
	require.Equal(t, StateZombie, parent.State)
}

func TestWait4ReapsMatchingZombie(t *testing.T) {
	s := newSched(64)
	init, _ := s.Spawn("init")
	parent, _ := s.Spawn("p")
	child, _ := s.Fork(parent, false, false, false, false)
	s.Exit(child, init, 7)

	pid, code, ok := s.Wait4(parent, child.Pid, false)
	require.True(t, ok)
	require.Equal(t, child.Pid, pid)
	require.Equal(t, 7, code)

	_, exists := s.tasks[child.Pid]
	require.False(t, exists)
}

func TestWait4NoHangReturnsZeroWithoutBlocking(t *testing.T) {
	s := newSched(64)
	parent, _ := s.Spawn("p")
	s.Fork(parent, false, false, false, false)

	pid, _, ok := s.Wait4(parent, -1, true)
	require.True(t, ok)
	require.Zero(t, pid)
}

func TestWait4WithNoChildrenReturnsNotOk(t *testing.T) {
	s := newSched(64)
	parent, _ := s.Spawn("p")
	_, _, ok := s.Wait4(parent, -1, true)
	require.False(t, ok)
}
