package ksignal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRaiseSetsPendingBit(t *testing.T) {
	s := New()
	s.Raise(2, nil)
	require.NotZero(t, s.Pending&(1<<2))
}

func TestRaiseSkipsBlockedAndIgnored(t *testing.T) {
	s := New()
	s.SetAction(5, Sigaction{Disposition: DispositionIgnore})
	s.SetBlocked(1 << 5)
	s.Raise(5, nil)
	require.Zero(t, s.Pending&(1<<5))
}

func TestRaiseCallsWakeWhenDeliverable(t *testing.T) {
	s := New()
	woke := false
	s.Raise(2, func() { woke = true })
	require.True(t, woke)
}

func TestDeliverPicksLowestNumberedSignalFirst(t *testing.T) {
	s := New()
	s.SetAction(10, Sigaction{Disposition: DispositionHandle, Handler: 0x1000})
	s.SetAction(3, Sigaction{Disposition: DispositionHandle, Handler: 0x2000})
	s.Raise(10, nil)
	s.Raise(3, nil)

	var pushed Frame
	var entry uintptr
	outcome, sig := s.Deliver([16]uintptr{}, func(f Frame, e uintptr) { pushed = f; entry = e })
	require.Equal(t, OutcomeHandled, outcome)
	require.Equal(t, 3, sig)
	require.Equal(t, uintptr(0x2000), entry)
	require.Equal(t, 3, pushed.Sig)
}

func TestDeliverDefaultIgnoreClearsPendingWithoutAction(t *testing.T) {
	s := New()
	s.Raise(SIGCHLD, nil) // SIGCHLD's default is ignore
	outcome, sig := s.Deliver([16]uintptr{}, nil)
	require.Equal(t, OutcomeNone, outcome)
	require.Equal(t, 0, sig)
	require.Zero(t, s.Pending)
}

func TestDeliverDefaultTerminateReportsOutcome(t *testing.T) {
	s := New()
	s.Raise(2, nil) // SIGINT has no special-cased default: terminate
	outcome, sig := s.Deliver([16]uintptr{}, nil)
	require.Equal(t, OutcomeTerminate, outcome)
	require.Equal(t, 2, sig)
}

func TestDeliverHandlerBlocksItsOwnSignalWithoutNodefer(t *testing.T) {
	s := New()
	s.SetAction(2, Sigaction{Disposition: DispositionHandle, Handler: 0x1000})
	s.Raise(2, nil)
	var entry uintptr
	s.Deliver([16]uintptr{}, func(f Frame, e uintptr) { entry = e })
	require.Equal(t, uintptr(0x1000), entry)
	require.NotZero(t, s.Blocked&(1<<2))
}

func TestDeliverResetHandClearsActionAfterOneFire(t *testing.T) {
	s := New()
	s.SetAction(2, Sigaction{Disposition: DispositionHandle, Handler: 0x1000, Flags: SA_RESETHAND})
	s.Raise(2, nil)
	s.Deliver([16]uintptr{}, func(Frame, uintptr) {})
	require.Equal(t, DispositionDefault, s.Actions[2].Disposition)
}

func TestSigreturnRestoresBlockedMask(t *testing.T) {
	s := New()
	s.SetBlocked(1 << 9)
	frame := Frame{SavedMask: 1 << 4}
	s.Sigreturn(frame)
	require.Equal(t, uint64(1<<4), s.Blocked)
}

func TestHasUnblockedPendingReflectsMaskDifference(t *testing.T) {
	s := New()
	s.Raise(7, nil)
	require.True(t, s.HasUnblockedPending())
	s.SetBlocked(1 << 7)
	require.False(t, s.HasUnblockedPending())
}

func TestCopyPendingFromCopiesMaskOnly(t *testing.T) {
	src := New()
	src.Raise(3, nil)
	dst := New()
	dst.CopyPendingFrom(src)
	require.Equal(t, src.Pending, dst.Pending)
}
