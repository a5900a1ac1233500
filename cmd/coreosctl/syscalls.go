package main

import (
	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/kexec"
	"github.com/ankhcore/coreos/internal/ksignal"
	"github.com/ankhcore/coreos/internal/ksyscall"
	"github.com/ankhcore/coreos/internal/sched"
	"github.com/ankhcore/coreos/internal/vfs"
)

// installSyscalls registers the minimal handler set a running task actually
// drives: fork/exit/getpid/waitpid/execve/sigaction/sigreturn, each closing
// over the booted subsystems rather than a global. The return-to-user
// boundary these run at — ksignal.Deliver, called once per dispatch — lives
// in dispatchAndDeliver below, not here; a handler only ever returns the
// syscall's own result.
func installSyscalls(t *ksyscall.Table, s *sched.Scheduler, reg *kexec.Registry, resolve func(string) (*vfs.Dentry, []byte, common.Err_t), h *ksyscall.Handles, init *sched.Task) {
	t.Register(ksyscall.SYS_FORK, forkHandler(s))
	t.Register(ksyscall.SYS_EXIT, exitHandler(s, init))
	t.Register(ksyscall.SYS_GETPID, getpidHandler(s))
	t.Register(ksyscall.SYS_WAITPID, waitpidHandler(s))
	t.Register(ksyscall.SYS_EXECVE, execveHandler(reg, resolve, h))
	t.Register(ksyscall.SYS_SIGACTION, sigactionHandler(s, h))
	t.Register(ksyscall.SYS_SIGRETURN, sigreturnHandler(s))
}

func forkHandler(s *sched.Scheduler) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		parent := s.Current()
		child, err := s.Fork(parent, false, false, false, false)
		if err != 0 {
			return err
		}
		return common.Err_t(child.Pid)
	}
}

func exitHandler(s *sched.Scheduler, init *sched.Task) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		cur := s.Current()
		code := int(int32(f.Args()[0]))
		s.Exit(cur, init, code)
		return 0
	}
}

func getpidHandler(s *sched.Scheduler) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		return common.Err_t(s.Current().Pid)
	}
}

func waitpidHandler(s *sched.Scheduler) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		args := f.Args()
		pid := int(int32(args[0]))
		nohang := args[2]&1 != 0 // WNOHANG
		reaped, _, ok := s.Wait4(s.Current(), pid, nohang)
		if !ok {
			return common.ECHILD
		}
		return common.Err_t(reaped)
	}
}

// execveHandler resolves the path/argv/envp handles registered by the
// caller, reads the target file through resolve (the same VFS lookup the
// exec registry uses when a script rewrite names its interpreter by path),
// and hands it to the registry — the one path that exercises
// internal/kexec's format dispatch (including its "#!" rewrite) outside of
// its own tests.
func execveHandler(reg *kexec.Registry, resolve func(string) (*vfs.Dentry, []byte, common.Err_t), h *ksyscall.Handles) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		args := f.Args()
		pathVal, ok := h.Get(args[0])
		path, _ := pathVal.(string)
		if !ok || path == "" {
			return common.EFAULT
		}
		argv, _ := handleStrings(h, args[1])
		envp, _ := handleStrings(h, args[2])

		dentry, data, err := resolve(path)
		if err != 0 {
			return err
		}

		_, eerr := reg.Execve(dentry, data, argv, envp)
		return eerr
	}
}

// sigactionHandler installs the action registered under the args[1] handle
// as sig's disposition (args[0]), the prerequisite for Deliver ever taking
// the DispositionHandle branch: with no sigaction call wired, every signal
// stays on its default disposition and a handler frame never gets pushed.
func sigactionHandler(s *sched.Scheduler, h *ksyscall.Handles) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		args := f.Args()
		sig := int(args[0])
		if sig < ksignal.SigMin || sig > ksignal.SigMax {
			return common.EINVAL
		}
		actVal, ok := h.Get(args[1])
		if !ok {
			return common.EFAULT
		}
		act, ok := actVal.(ksignal.Sigaction)
		if !ok {
			return common.EFAULT
		}
		s.Current().Signal.SetAction(sig, act)
		return 0
	}
}

// sigreturnHandler implements the trailing half of §4.J's handler dance:
// a user handler that finishes calls sigreturn to restore the blocked mask
// Deliver saved when it pushed the frame this task is presently parked
// under. With no frame parked (no handler in flight) there is nothing to
// restore.
func sigreturnHandler(s *sched.Scheduler) ksyscall.Handler {
	return func(f *ksyscall.Frame) common.Err_t {
		cur := s.Current()
		if cur.SigFrame == nil {
			return common.EINVAL
		}
		cur.Signal.Sigreturn(*cur.SigFrame)
		cur.SigFrame = nil
		return 0
	}
}

// dispatchAndDeliver runs f through the syscall table and then, at the
// return-to-user boundary this creates, runs the current task's pending
// signal delivery (§4.J), terminating or stopping the task, or parking a
// handler frame on SigFrame for a later sigreturn to consume, depending on
// what the lowest pending-unblocked signal calls for.
func dispatchAndDeliver(t *ksyscall.Table, s *sched.Scheduler, init *sched.Task) func(f *ksyscall.Frame) common.Err_t {
	return func(f *ksyscall.Frame) common.Err_t {
		ret := t.Dispatch(f)
		cur := s.Current()
		if cur == nil || cur.Signal == nil {
			return ret
		}
		outcome, sig := cur.Signal.Deliver([16]uintptr{}, func(frame ksignal.Frame, entry uintptr) {
			cur.SigFrame = &frame
		})
		switch outcome {
		case ksignal.OutcomeTerminate:
			s.Exit(cur, init, 128+sig)
		case ksignal.OutcomeStop:
			s.Stop(cur)
		}
		return ret
	}
}

func handleStrings(h *ksyscall.Handles, handle uintptr) ([]string, bool) {
	v, ok := h.Get(handle)
	if !ok {
		return nil, false
	}
	ss, ok := v.([]string)
	return ss, ok
}
