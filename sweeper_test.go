package drivermgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingLoop struct{ err error }

func (l failingLoop) Sync(context.Context, func()) error { return l.err }

func TestSweeperSweep(t *testing.T) {
	e := newTestEnv(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var bound []BindResult
	s := NewSweeper(time.Hour, e.runner, e.loop, SweeperOptions{
		Clock:   fixedClock{now},
		OnBound: func(r []BindResult) { bound = append(bound, r...) },
	})

	s.Sweep(context.Background())
	st := s.Status()
	assert.Equal(t, int64(1), st.SkippedNoOrphan)
	assert.Zero(t, st.TotalSweeps)

	e.addChild(t, e.runner.Root(), "usb")
	e.addChild(t, e.runner.Root(), "hid")
	e.index.setDriver("usb", "boot://usb")

	s.Sweep(context.Background())
	st = s.Status()
	assert.Equal(t, int64(1), st.TotalSweeps)
	assert.Equal(t, int64(1), st.TotalBound)
	assert.Equal(t, 2, st.LastOrphans)
	assert.Equal(t, 1, st.LastBound)
	assert.Equal(t, now, st.LastSweepTime)
	assert.Empty(t, st.LastError)
	assert.Equal(t, []BindResult{{NodeName: "usb", DriverURL: "boot://usb"}}, bound)
	require.Len(t, e.runner.Orphans(), 1)
}

func TestSweeperRecordsErrors(t *testing.T) {
	e := newTestEnv(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(0, e.runner, failingLoop{err: errors.New("loop stopped")}, SweeperOptions{Clock: fixedClock{now}})

	s.Sweep(context.Background())
	st := s.Status()
	assert.Equal(t, "loop stopped", st.LastError)
	assert.Equal(t, now, st.LastErrorTime)
	assert.Zero(t, st.TotalSweeps)
}

func TestSweeperStartStop(t *testing.T) {
	e := newTestEnv(t)
	s := NewSweeper(time.Hour, e.runner, e.loop, SweeperOptions{InitialDelay: time.Hour})
	assert.False(t, s.IsRunning())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())
	assert.True(t, s.Status().IsRunning)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSweepOrphansHonoursContext(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.addChild(t, e.runner.Root(), "stuck")
	stalled := &stallingLoop{ManualLoop: e.loop}
	_, err := SweepOrphans(ctx, stalled, e.runner)
	assert.ErrorIs(t, err, context.Canceled)
}

// stallingLoop runs fn but never delivers the results it posts.
type stallingLoop struct {
	*ManualLoop
}

func (l *stallingLoop) Sync(_ context.Context, fn func()) error {
	fn()
	return nil
}
