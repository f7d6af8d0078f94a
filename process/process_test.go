package process

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewProcess(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	p, err := New(Config{
		Binary: "sleep",
		Args:   []string{"10"},
	})
	require.NoError(t, err)

	status := p.Status()
	require.Equal(t, "finished", status.State)
	require.Equal(t, "stop", status.Order)
	require.False(t, p.IsRunning())
}

func TestStartStop(t *testing.T) {
	p, err := New(Config{
		Binary: "sleep",
		Args:   []string{"10"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		return p.IsRunning()
	}, 2*time.Second, 10*time.Millisecond)

	status := p.Status()
	require.Equal(t, "start", status.Order)
	require.Greater(t, status.PID, int32(0))

	require.NoError(t, p.Stop(true))

	require.False(t, p.IsRunning())
	require.Equal(t, "stop", p.Status().Order)
}

func TestFailedProcess(t *testing.T) {
	exited := make(chan string, 1)

	p, err := New(Config{
		Binary: "false",
		OnExit: func(state string) {
			exited <- state
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Start())

	select {
	case state := <-exited:
		require.Equal(t, "failed", state)
	case <-time.After(2 * time.Second):
		require.Fail(t, "process did not exit")
	}
}

func TestFinishedProcess(t *testing.T) {
	exited := make(chan string, 1)

	p, err := New(Config{
		Binary: "sleep",
		Args:   []string{"0.1"},
		OnExit: func(state string) {
			exited <- state
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Start())

	select {
	case state := <-exited:
		require.Equal(t, "finished", state)
	case <-time.After(2 * time.Second):
		require.Fail(t, "process did not exit")
	}
}

func TestReconnect(t *testing.T) {
	var starts int32

	p, err := New(Config{
		Binary:         "sleep",
		Args:           []string{"0.1"},
		Reconnect:      true,
		ReconnectDelay: 100 * time.Millisecond,
		OnStart: func() {
			atomic.AddInt32(&starts, 1)
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	p.Stop(true)
}

func TestOnLine(t *testing.T) {
	lines := make(chan string, 16)

	p, err := New(Config{
		Binary: "sh",
		Args:   []string{"-c", "echo hello 1>&2"},
		OnLine: func(line string) {
			lines <- line
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Start())

	select {
	case line := <-lines:
		require.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		require.Fail(t, "no output received")
	}
}
