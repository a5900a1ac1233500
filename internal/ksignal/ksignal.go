// Package ksignal implements spec.md §4.J: the per-task pending/blocked
// signal masks, the sigaction table, and the return-to-user delivery
// algorithm. internal/sched's Task points at a *Signals directly (sched
// only consults HasUnblockedPending to decide whether an interruptible
// sleeper should wake), keeping the scheduler itself disposition-agnostic.
//
// Grounded on justanotherdot-biscuit's trapstub/tfdump (main.go), the one
// place that file touches a saved user register frame — this package
// generalizes that single frame dump into the signal-frame push/restore
// sigreturn needs, since main.go has no process-level signal code of its
// own.
package ksignal

import (
	"sync"
)

const (
	SigMin = 1
	SigMax = 31

	SIGCHLD = 17
	SIGALRM = 14
	SIGSTOP = 19
	SIGCONT = 18
	SIGKILL = 9
)

// Action flags (§6).
const (
	SA_NOCLDSTOP = 1 << iota
	SA_SIGINFO
	SA_RESTART
	SA_NODEFER
	SA_RESETHAND
	SA_ONSTACK
)

// Disposition is what happens when a signal with no handler is delivered.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandle
)

// DefaultAction names what "default" means for a given signal number,
// per §4.J step 2-4 ("ignore," "terminate or core," "stop").
type DefaultAction int

const (
	ActionTerminate DefaultAction = iota
	ActionIgnore
	ActionStop
	ActionContinue
)

func defaultActionFor(sig int) DefaultAction {
	switch sig {
	case SIGCHLD:
		return ActionIgnore
	case SIGSTOP:
		return ActionStop
	case SIGCONT:
		return ActionContinue
	default:
		return ActionTerminate
	}
}

// Sigaction is one entry of a task's sigaction table (§6).
type Sigaction struct {
	Disposition Disposition
	Handler     uintptr // user-space entry point, meaningful only if Disposition == DispositionHandle
	Flags       int
	Mask        uint64 // additional signals blocked while the handler runs
	Restorer    uintptr
}

// Signals is the shared per-process signal state (§4.J "signal struct
// shared via CLONE_SIGHAND"): masks plus the sigaction table. internal/sched's
// Task.Signal points at one of these directly, so there is exactly one copy
// of the pending/blocked bits per signal-sharing task group.
type Signals struct {
	mu      sync.Mutex
	Pending uint64
	Blocked uint64
	Actions [SigMax + 1]Sigaction
}

func New() *Signals { return &Signals{} }

// Raise sets sig pending unless it is both blocked and its disposition is
// ignore (§4.J "sets pending bit if not already blocked-and-ignored").
// wake, if non-nil, is called when the signal becomes deliverable to a
// task presently in interruptible sleep.
func (s *Signals) Raise(sig int, wake func()) {
	s.mu.Lock()
	blocked := s.Blocked&(1<<uint(sig)) != 0
	ignored := s.Actions[sig].Disposition == DispositionIgnore ||
		(s.Actions[sig].Disposition == DispositionDefault && defaultActionFor(sig) == ActionIgnore)
	if blocked && ignored {
		s.mu.Unlock()
		return
	}
	s.Pending |= 1 << uint(sig)
	s.mu.Unlock()
	if wake != nil {
		wake()
	}
}

// SetAction installs act for sig, returning the previous action.
func (s *Signals) SetAction(sig int, act Sigaction) Sigaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.Actions[sig]
	s.Actions[sig] = act
	return prev
}

// SetBlocked replaces the blocked mask, returning the previous one (for
// sigprocmask).
func (s *Signals) SetBlocked(mask uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.Blocked
	s.Blocked = mask
	return prev
}

// HasUnblockedPending reports whether any pending signal is presently
// unblocked — internal/sched consults this to decide whether an
// interruptible sleeper should wake early (§5 "the sleeper observes this
// by checking signal_pending after waking").
func (s *Signals) HasUnblockedPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pending&^s.Blocked != 0
}

// CopyPendingFrom copies src's pending mask into s, used by fork when the
// child is asked to inherit the parent's pending signals rather than
// start clean (§4.H "new task inherits parent's pending signals only if
// asked").
func (s *Signals) CopyPendingFrom(src *Signals) {
	src.mu.Lock()
	p := src.Pending
	src.mu.Unlock()
	s.mu.Lock()
	s.Pending = p
	s.mu.Unlock()
}

// Outcome tells the caller (the syscall return path) what Deliver decided.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeTerminate
	OutcomeStop
	OutcomeHandled
)

// Frame is the signal frame pushed onto the user stack on handler
// dispatch (§4.J step 5): saved registers, signal number, and a trampoline
// return address that re-enters the kernel via sigreturn.
type Frame struct {
	SavedRegs     [16]uintptr
	SavedMask     uint64
	Sig           int
	TrampolineRet uintptr
}

// Deliver implements §4.J's delivery algorithm, run once per return-to-user
// boundary. It picks the lowest-numbered pending-unblocked signal in
// ascending order (§5 "signals delivered... in ascending signal-number
// order"), applies steps 2-5, and reports the outcome. pushFrame is called
// only when a handler fires; it receives the frame to push and the new
// instruction pointer to rewrite to (Handler), and is expected to actually
// write it onto the user stack — a concern outside ksignal's scope.
func (s *Signals) Deliver(savedRegs [16]uintptr, pushFrame func(Frame, uintptr)) (Outcome, int) {
	s.mu.Lock()
	var sig int
	for i := SigMin; i <= SigMax; i++ {
		if s.Pending&(1<<uint(i)) != 0 && s.Blocked&(1<<uint(i)) == 0 {
			sig = i
			break
		}
	}
	if sig == 0 {
		s.mu.Unlock()
		return OutcomeNone, 0
	}

	act := s.Actions[sig]
	disp := act.Disposition
	defAct := defaultActionFor(sig)

	if disp == DispositionIgnore || (disp == DispositionDefault && defAct == ActionIgnore) {
		s.Pending &^= 1 << uint(sig)
		s.mu.Unlock()
		return OutcomeNone, 0
	}

	if disp == DispositionDefault {
		s.Pending &^= 1 << uint(sig)
		switch defAct {
		case ActionTerminate:
			s.mu.Unlock()
			return OutcomeTerminate, sig
		case ActionStop:
			s.mu.Unlock()
			return OutcomeStop, sig
		case ActionContinue:
			s.mu.Unlock()
			return OutcomeNone, sig
		}
	}

	// disp == DispositionHandle
	prevMask := s.Blocked
	s.Blocked |= act.Mask
	if act.Flags&SA_NODEFER == 0 {
		s.Blocked |= 1 << uint(sig)
	}
	s.Pending &^= 1 << uint(sig)
	if act.Flags&SA_RESETHAND != 0 {
		s.Actions[sig] = Sigaction{}
	}
	s.mu.Unlock()

	frame := Frame{SavedRegs: savedRegs, SavedMask: prevMask, Sig: sig, TrampolineRet: act.Restorer}
	if pushFrame != nil {
		pushFrame(frame, act.Handler)
	}
	return OutcomeHandled, sig
}

// Sigreturn restores the blocked mask saved in frame, implementing §4.J's
// "sigreturn restores the saved registers and blocked mask from the user
// stack." Restoring the registers themselves is the caller's concern
// (they own the trap frame format); this records the mask half.
func (s *Signals) Sigreturn(frame Frame) {
	s.mu.Lock()
	s.Blocked = frame.SavedMask
	s.mu.Unlock()
}
