package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathLifecycle(t *testing.T) {
	m := New([]string{"ping"}, Hooks{})

	require.NoError(t, m.Handle(CmdInitialize))
	assert.Equal(t, Initialized, m.State())

	require.NoError(t, m.Handle(CmdRun))
	assert.Equal(t, Started, m.State())

	require.NoError(t, m.Handle(CmdPause))
	assert.Equal(t, Paused, m.State())

	require.NoError(t, m.Handle(CmdResume))
	assert.Equal(t, Started, m.State())

	require.NoError(t, m.Handle(CmdGracefulStop))
	assert.Equal(t, Stopping, m.State())

	m.FinishStop()
	assert.Equal(t, Stopped, m.State())
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New(nil, Hooks{})

	err := m.Handle(CmdRun)
	var target *ErrInvalidTransition
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, Stopped, m.State())
}

func TestHookFailureMovesToOnError(t *testing.T) {
	boom := errors.New("boom")
	m := New(nil, Hooks{OnInitializing: func() error { return boom }})

	err := m.Handle(CmdInitialize)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OnError, m.State())

	require.NoError(t, m.Handle(CmdReset))
	assert.Equal(t, Stopped, m.State())
}

func TestPausedFiltersNonAdmittedEventTypes(t *testing.T) {
	m := New([]string{"ping"}, Hooks{})
	require.NoError(t, m.Handle(CmdInitialize))
	require.NoError(t, m.Handle(CmdRun))
	require.NoError(t, m.Handle(CmdPause))

	assert.False(t, m.Admitted("ping"))

	require.NoError(t, m.Handle(CmdResume))
	assert.True(t, m.Admitted("ping"))
}

func TestStoppingRefusesIngressButKeepsAnalyzing(t *testing.T) {
	m := New([]string{"ping"}, Hooks{OnStopping: func() error { return nil }})
	require.NoError(t, m.Handle(CmdInitialize))
	require.NoError(t, m.Handle(CmdRun))

	m.mu.Lock()
	m.state = Stopping
	m.mu.Unlock()

	assert.False(t, m.AcceptsIngress())
	assert.True(t, m.Admitted("ping"))
}

func TestFaultIsTerminal(t *testing.T) {
	m := New(nil, Hooks{})
	m.ErrorOut()
	m.Fault()
	assert.Equal(t, Fault, m.State())

	err := m.Handle(CmdReset)
	assert.Error(t, err)
	assert.Equal(t, Fault, m.State())
}
