package gc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// owner is large enough to never be placed in the tiny allocator, which would
// delay or prevent its finalizer from running.
type owner struct {
	name string
	pad  [64]byte
}

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(nil, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

//go:noinline
func armAndDrop(s *Supervisor, id string, action CleanupFunc) {
	o := &owner{name: id}
	s.Arm(o, id, action)
}

func TestSupervisor_Leak(t *testing.T) {
	s := newSupervisor(t)

	cleaned := make(chan string, 1)
	armAndDrop(s, "leaked", func(ctx context.Context) error {
		cleaned <- "leaked"
		return nil
	})
	require.Equal(t, 1, s.Armed())

	var got string
	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case got = <-cleaned:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, "leaked", got)
	require.Equal(t, 0, s.Armed())
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.leaks))
	require.Equal(t, float64(0), testutil.ToFloat64(s.metrics.armed))
}

func TestSupervisor_Disarm(t *testing.T) {
	s := newSupervisor(t)

	o := &owner{name: "closed"}
	e := s.Arm(o, "closed", func(context.Context) error {
		t.Error("cleanup must not run for a disarmed owner")
		return nil
	})
	require.True(t, e.Armed())

	require.True(t, s.Disarm(o, e))
	require.False(t, e.Armed())
	require.False(t, s.Disarm(o, e), "disarming twice is a no-op")
	require.Equal(t, 0, s.Armed())

	o = nil
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	require.Equal(t, float64(0), testutil.ToFloat64(s.metrics.leaks))
}

func TestSupervisor_Cancel(t *testing.T) {
	s := newSupervisor(t)

	o := &owner{name: "released"}
	e := s.Arm(o, "released", func(context.Context) error {
		t.Error("cleanup must not run for a canceled entry")
		return nil
	})

	require.True(t, s.Cancel(e))
	require.False(t, e.Armed())
	require.Equal(t, 0, s.Armed())
	require.False(t, s.Cancel(e), "canceling twice is a no-op")
	require.False(t, s.Disarm(o, e), "canceled entries are already disarmed")

	// The finalizer is still attached but must do nothing.
	s.fire(e)
	require.NoError(t, s.Close())
	require.Equal(t, float64(0), testutil.ToFloat64(s.metrics.leaks))
}

func TestSupervisor_FiresOnce(t *testing.T) {
	s := newSupervisor(t)

	calls := make(chan struct{}, 2)
	e := s.Arm(&owner{}, "a", func(context.Context) error {
		calls <- struct{}{}
		return nil
	})

	s.fire(e)
	s.fire(e)
	require.False(t, s.Disarm(&owner{}, e), "fired entries can't be disarmed")
	require.NoError(t, s.Close())

	require.Len(t, calls, 1)
}

func TestSupervisor_CleanupFailureIsSwallowed(t *testing.T) {
	s := newSupervisor(t)

	e := s.Arm(&owner{}, "a", func(context.Context) error {
		return errors.New("backend gone")
	})
	s.fire(e)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.failures) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisor_CleanupTimeout(t *testing.T) {
	s, err := New(nil, Options{CleanupTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	errs := make(chan error, 1)
	e := s.Arm(&owner{}, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	})
	s.fire(e)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		require.FailNow(t, "cleanup was never cancelled")
	}
}
