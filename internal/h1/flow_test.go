package h1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingValve struct {
	paused  bool
	pauses  int
	resumes int
}

func (v *recordingValve) Paused() bool {
	return v.paused
}

func (v *recordingValve) Pause() {
	v.paused = true
	v.pauses++
}

func (v *recordingValve) Resume() {
	v.paused = false
	v.resumes++
}

func TestFlowController(t *testing.T) {
	const hwm = 16

	t.Run("pauses past the mark and resumes exactly once", func(t *testing.T) {
		v := new(recordingValve)
		f := NewFlowController(v, hwm)

		f.Queued(hwm + 1)
		require.True(t, v.paused)
		require.Equal(t, 1, v.pauses)

		f.Drained(hwm + 1)
		require.False(t, v.paused)
		require.Equal(t, 1, v.resumes)

		f.Drained(1)
		f.Check()
		require.Equal(t, 1, v.resumes)
		require.Zero(t, f.Backlog())
	})

	t.Run("at the mark does not pause", func(t *testing.T) {
		v := new(recordingValve)
		f := NewFlowController(v, hwm)

		f.Queued(hwm)
		require.False(t, v.paused)
	})

	t.Run("already paused valve is not paused again", func(t *testing.T) {
		v := new(recordingValve)
		f := NewFlowController(v, hwm)

		f.Queued(hwm + 1)
		f.Queued(10)
		require.Equal(t, 1, v.pauses)
	})

	t.Run("stays paused while above the mark", func(t *testing.T) {
		v := new(recordingValve)
		f := NewFlowController(v, hwm)

		f.Queued(3 * hwm)
		f.Drained(hwm)
		require.True(t, v.paused)
		require.Zero(t, v.resumes)

		f.Drained(hwm)
		require.False(t, v.paused)
		require.Equal(t, 1, v.resumes)
	})

	t.Run("backlog is clamped at zero", func(t *testing.T) {
		v := new(recordingValve)
		f := NewFlowController(v, hwm)

		f.Queued(4)
		f.Drained(100)
		require.Zero(t, f.Backlog())
	})

	t.Run("check resumes a valve paused elsewhere", func(t *testing.T) {
		v := &recordingValve{paused: true}
		f := NewFlowController(v, hwm)

		f.Check()
		require.False(t, v.paused)
		require.Equal(t, 1, v.resumes)
	})
}
