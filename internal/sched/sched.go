// Package sched implements spec.md §4.H: the task table, the single-CPU
// scheduler, and wait queues. A Task stands in for justanotherdot-biscuit's
// common.Proc_t (main.go's proc_new allocates one per process, sharing or
// duplicating cwd/fds the way Fork here shares or duplicates Mm/Files/Fs);
// this package generalizes that one-shot constructor into the full
// new/running/sleeping/stopped/zombie lifecycle spec.md §4.H describes,
// since the pack's copy of main.go stops short of defining Proc_t itself.
package sched

import (
	"sync"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/heap"
	"github.com/ankhcore/coreos/internal/kmetrics"
	"github.com/ankhcore/coreos/internal/ksignal"
	"github.com/ankhcore/coreos/internal/page"
	"github.com/ankhcore/coreos/internal/paging"
	"github.com/ankhcore/coreos/internal/vfs"
	"github.com/ankhcore/coreos/internal/vmregion"
)

// KStackSize is the per-task kernel stack size allocated from internal/heap
// on spawn/fork, matching the conventional two-page kernel stack every
// proc_new-style constructor in the pack carves out.
const KStackSize = 2 * common.PGSIZE

// State is a task's position in spec.md §4.H's state machine.
type State int

const (
	StateNew State = iota
	StateRunning
	StateInterruptibleSleep
	StateUninterruptibleSleep
	StateStopped
	StateZombie
)

// Mm is the address-space handle a Task points to; CLONE_VM shares the
// pointer, a private fork gets a fresh one built by internal/vmregion's
// ForkCOW. ID is a monotonic tag for cheap identity logging; AS is the
// actual region list + page directory pair a context switch reloads and a
// page fault is serviced against (§4.H "switches page directory if mm
// differs"). refs counts CLONE_VM sharers so the last task to exit out of
// a shared mm is the one that tears its directory down.
type Mm struct {
	ID   uint64
	AS   *vmregion.AddressSpace
	mu   sync.Mutex
	refs int32
}

func (m *Mm) get() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// put drops a reference, tearing down the backing directory's frame
// references once the last sharer has exited.
func (m *Mm) put() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		m.AS.Dir.Teardown()
	}
}

// Task is one schedulable entity (spec.md §3 "task"/"process").
type Task struct {
	mu sync.Mutex

	Pid   int
	Name  string
	State State

	Parent   *Task
	children []*Task

	Mm      *Mm
	Files   *vfs.FdTable
	Cwd     *vfs.Dentry
	Root    *vfs.Dentry
	Signal  *ksignal.Signals
	KStack  *heap.Block // kernel stack, allocated on spawn/fork, freed on exit

	// SigFrame is the most recently pushed signal frame awaiting a matching
	// sigreturn, nil when no handler is presently running. A real kernel
	// would find this on the user stack; this simulator has no user stack to
	// push it onto, so dispatchAndDeliver parks it here instead.
	SigFrame *ksignal.Frame

	// scheduling
	niceBase int32
	counter  int32

	ExitCode int
	waitq    *Queue // parent's child-exit queue this task wakes on exit

	onQueue *Queue // the wait queue this task is currently blocked on, nil if none
}

// Scheduler holds the task table and ready list (§4.H). It is single-CPU:
// exactly one task is "current" at a time, matching spec.md §5's
// "single-CPU; one ready task runs at a time."
type Scheduler struct {
	mu      sync.Mutex
	nextPid int
	tasks   map[int]*Task
	ready   []*Task
	current *Task
	idle    *Task
	metrics *kmetrics.Registry

	pages    *page.Allocator
	heap     *heap.Heap
	nextMmID uint64
}

const niceBase = 20

// New creates a scheduler with a dedicated idle task (picked only when no
// other task is runnable, per §4.H). pages backs every task's address
// space and kernel stack; the idle task itself borrows no address space
// (it runs with whichever mm was last active, per §4.H's "kernel threads
// carry mm == nil and skip the directory reload"), but still gets a
// kernel stack of its own.
func New(pages *page.Allocator, m *kmetrics.Registry) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[int]*Task),
		metrics: m,
		pages:   pages,
		heap:    heap.New(pages),
	}
	s.idle = s.newTaskLocked("idle", nil)
	s.idle.KStack, _ = s.heap.Alloc(KStackSize)
	s.idle.State = StateRunning
	s.current = s.idle
	return s
}

// newMm builds a fresh, empty address space: a page directory over the
// scheduler's physical allocator wrapped in a region list (§4.F/§4.C).
func (s *Scheduler) newMm() *Mm {
	s.mu.Lock()
	s.nextMmID++
	id := s.nextMmID
	s.mu.Unlock()
	dir := paging.NewDirectory(s.pages)
	return &Mm{ID: id, AS: vmregion.New(dir), refs: 1}
}

func (s *Scheduler) newTaskLocked(name string, parent *Task) *Task {
	s.nextPid++
	t := &Task{
		Pid:      s.nextPid,
		Name:     name,
		State:    StateNew,
		Parent:   parent,
		niceBase: niceBase,
		counter:  niceBase,
		waitq:    NewQueue(),
	}
	s.tasks[t.Pid] = t
	return t
}

// Spawn creates a brand-new, unparented task (used for init/kthreads) with
// its own fresh address space and kernel stack, and marks it runnable.
func (s *Scheduler) Spawn(name string) (*Task, common.Err_t) {
	kstack, err := s.heap.Alloc(KStackSize)
	if err != 0 {
		return nil, err
	}
	s.mu.Lock()
	t := s.newTaskLocked(name, nil)
	t.State = StateRunning
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	t.Mm = s.newMm()
	t.KStack = kstack
	return t, 0
}

// Current returns the task presently selected to run.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Fork implements §4.H's fork: copies the task struct, shares or
// duplicates Mm per cloneVM, Files per cloneFiles, and always shares Signal
// when cloneSighand is set (else starts with a fresh, empty Signals). A
// private (non-CLONE_VM) Mm is duplicated via internal/vmregion's ForkCOW,
// so parent and child share identical physical frames marked read-only
// until either writes (§4.C "both parent and child receive the same
// physical pages marked read-only"). The child's pending signals are
// cleared unless inheritPending is set. Returns the new task; the caller is
// responsible for the "0 to child, pid to parent" return-value convention,
// which belongs to the syscall layer.
func (s *Scheduler) Fork(parent *Task, cloneVM, cloneFiles, cloneSighand, inheritPending bool) (*Task, common.Err_t) {
	parent.mu.Lock()
	name := parent.Name
	parentMm := parent.Mm
	parentFiles := parent.Files
	parentCwd := parent.Cwd
	parentRoot := parent.Root
	parentSignal := parent.Signal
	parent.mu.Unlock()

	kstack, err := s.heap.Alloc(KStackSize)
	if err != 0 {
		return nil, err
	}

	var childMm *Mm
	if cloneVM {
		if parentMm != nil {
			parentMm.get()
		}
		childMm = parentMm
	} else if parentMm != nil {
		s.mu.Lock()
		s.nextMmID++
		id := s.nextMmID
		s.mu.Unlock()
		childMm = &Mm{ID: id, AS: parentMm.AS.ForkCOW(), refs: 1}
	}

	s.mu.Lock()
	child := s.newTaskLocked(name, parent)
	s.mu.Unlock()

	child.Mm = childMm
	child.KStack = kstack
	if cloneFiles {
		child.Files = parentFiles
	} else if parentFiles != nil {
		child.Files = parentFiles.Clone()
	}
	child.Cwd = parentCwd
	child.Root = parentRoot
	if cloneSighand && parentSignal != nil {
		child.Signal = parentSignal
	} else {
		child.Signal = ksignal.New()
		if inheritPending && parentSignal != nil {
			child.Signal.CopyPendingFrom(parentSignal)
		}
	}

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	s.mu.Lock()
	child.State = StateRunning
	s.ready = append(s.ready, child)
	s.mu.Unlock()
	return child, 0
}

// recomputeCountersLocked implements §4.H's "when every ready task's
// dynamic counter hits zero, counters are recomputed."
func (s *Scheduler) recomputeCountersLocked() {
	for _, t := range s.ready {
		t.counter = t.counter/2 + t.niceBase
	}
}

// Schedule implements §4.H's scheduler: picks the highest-counter ready
// task, decrementing the outgoing current task's counter for one elapsed
// timeslice tick. Recomputes all counters if every ready task is at zero.
// Returns the newly current task; callers compare it against the previous
// current to decide whether a context switch (Mm swap) is needed.
func (s *Scheduler) Schedule() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	if prev != s.idle && prev.State == StateRunning {
		if prev.counter > 0 {
			prev.counter--
		}
		s.ready = append(s.ready, prev)
	}

	if len(s.ready) == 0 {
		s.current = s.idle
		if s.metrics != nil {
			s.metrics.ContextSwitches.Inc()
			s.metrics.ReadyQueueDepth.Set(0)
		}
		return s.idle
	}

	allZero := true
	for _, t := range s.ready {
		if t.counter > 0 {
			allZero = false
			break
		}
	}
	if allZero {
		s.recomputeCountersLocked()
	}

	best := 0
	for i, t := range s.ready {
		if t.counter > s.ready[best].counter {
			best = i
		}
	}
	next := s.ready[best]
	s.ready = append(s.ready[:best], s.ready[best+1:]...)
	s.current = next
	if s.metrics != nil {
		s.metrics.ContextSwitches.Inc()
		s.metrics.ReadyQueueDepth.Set(float64(len(s.ready)))
	}
	return next
}

// Queue is a wait queue (§4.H "sleep_on inserts current task... wake_up
// marks all listed tasks runnable; wake_up_exclusive wakes at most one").
type Queue struct {
	mu      sync.Mutex
	waiters []*Task
}

func NewQueue() *Queue { return &Queue{} }

// SleepOn blocks t on q until woken or (if interruptible) signaled,
// returning true if the sleep completed normally and false if it was cut
// short by a pending signal (§5 "the sleeper observes this by checking
// signal_pending after waking").
func (s *Scheduler) SleepOn(q *Queue, t *Task, interruptible bool) bool {
	s.mu.Lock()
	t.State = StateInterruptibleSleep
	if !interruptible {
		t.State = StateUninterruptibleSleep
	}
	t.onQueue = q
	s.mu.Unlock()

	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	q.mu.Unlock()

	for {
		s.mu.Lock()
		stillBlocked := t.onQueue == q
		s.mu.Unlock()
		if !stillBlocked {
			return true
		}
		if interruptible && t.Signal != nil && t.Signal.HasUnblockedPending() {
			q.remove(t)
			s.mu.Lock()
			t.onQueue = nil
			t.State = StateRunning
			s.ready = append(s.ready, t)
			s.mu.Unlock()
			return false
		}
		s.Schedule()
	}
}

func (q *Queue) remove(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// WakeUp marks every waiter on q runnable (§4.H "wake_up marks all listed
// tasks runnable").
func (s *Scheduler) WakeUp(q *Queue) {
	q.mu.Lock()
	woken := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	s.mu.Lock()
	for _, t := range woken {
		t.onQueue = nil
		t.State = StateRunning
		s.ready = append(s.ready, t)
	}
	s.mu.Unlock()
}

// WakeUpExclusive wakes at most one waiter on q, used for single-acceptor
// queues such as an accept() backlog (§4.H).
func (s *Scheduler) WakeUpExclusive(q *Queue) {
	q.mu.Lock()
	var t *Task
	if len(q.waiters) > 0 {
		t = q.waiters[0]
		q.waiters = q.waiters[1:]
	}
	q.mu.Unlock()
	if t == nil {
		return
	}
	s.mu.Lock()
	t.onQueue = nil
	t.State = StateRunning
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// Stop transitions t to stopped (delivered SIGSTOP) and notifies its
// parent's child wait queue.
func (s *Scheduler) Stop(t *Task) {
	s.mu.Lock()
	t.State = StateStopped
	parent := t.Parent
	s.mu.Unlock()
	if parent != nil {
		s.WakeUp(parent.waitq)
	}
}

// Cont resumes a stopped task (delivered SIGCONT).
func (s *Scheduler) Cont(t *Task) {
	s.mu.Lock()
	if t.State == StateStopped {
		t.State = StateRunning
		s.ready = append(s.ready, t)
	}
	s.mu.Unlock()
}

// Exit implements §4.H's exit: releases mm/files/fs/signal/kernel-stack
// references, reparents children to init, sends SIGCHLD to the parent,
// wakes the parent's child-exit queue, and becomes a zombie (reaped by
// Wait4). The mm's directory is torn down (every frame reference dropped)
// only once the last CLONE_VM sharer has exited.
func (s *Scheduler) Exit(t *Task, init *Task, exitCode int) {
	s.mu.Lock()
	t.State = StateZombie
	t.ExitCode = exitCode
	mm := t.Mm
	kstack := t.KStack
	t.Mm = nil
	t.KStack = nil
	t.Files = nil
	t.Signal = nil
	kids := t.children
	t.children = nil
	parent := t.Parent
	s.mu.Unlock()

	if mm != nil {
		mm.put()
	}
	if kstack != nil {
		s.heap.Free(kstack)
	}

	for _, c := range kids {
		c.mu.Lock()
		c.Parent = init
		c.mu.Unlock()
		if init != nil {
			init.mu.Lock()
			init.children = append(init.children, c)
			init.mu.Unlock()
		}
	}

	if parent != nil {
		if parent.Signal != nil {
			parent.Signal.Raise(ksignal.SIGCHLD, nil)
		}
		s.WakeUp(parent.waitq)
	}
}

// Wait4 scans parent's children for a pid match (pid == -1 matches any
// child; process groups are not matched) and reaps the first zombie found, freeing it from the task
// table. If none match and nohang is false, the caller blocks on the
// parent's child-exit queue; WNOHANG-equivalent behavior is nohang=true,
// returning (0, 0, true) immediately when no zombie is ready, per §7
// "waitpid with WNOHANG returns 0 when no child is ready."
func (s *Scheduler) Wait4(parent *Task, pid int, nohang bool) (reapedPid, exitCode int, ok bool) {
	for {
		s.mu.Lock()
		var match *Task
		var idx int
		anyChildren := false
		for i, c := range parent.children {
			if pid != -1 && c.Pid != pid {
				continue
			}
			anyChildren = true
			if c.State == StateZombie {
				match = c
				idx = i
				break
			}
		}
		if !anyChildren {
			s.mu.Unlock()
			return 0, 0, false
		}
		if match != nil {
			parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
			delete(s.tasks, match.Pid)
			s.mu.Unlock()
			return match.Pid, match.ExitCode, true
		}
		s.mu.Unlock()

		if nohang {
			return 0, 0, true
		}
		s.SleepOn(parent.waitq, parent, true)
	}
}
