package domain

import (
	"testing"

	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IsValidAndTerminal(t *testing.T) {
	assert.True(t, StateAvailable.IsValid())
	assert.True(t, StateCompleted.IsValid())
	assert.False(t, State("bogus").IsValid())

	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateDiscarded.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateExecuting.IsTerminal())
	assert.False(t, StateScheduled.IsTerminal())
}

func TestJob_CanRetryAndExhausted(t *testing.T) {
	j := &Job{Attempt: 1, MaxAttempts: 3}
	assert.True(t, j.CanRetry())
	assert.False(t, j.HasExhaustedAttempts())

	j.Attempt = 3
	assert.False(t, j.CanRetry())
	assert.True(t, j.HasExhaustedAttempts())
}

func TestNewChangeset_Defaults(t *testing.T) {
	cs, err := NewChangeset("emails", "SendWelcome", map[string]any{"to": "a@b.com"})
	require.NoError(t, err)

	assert.Equal(t, "emails", cs.Queue)
	assert.Equal(t, "SendWelcome", cs.Worker)
	assert.Equal(t, DefaultMaxAttempts, cs.MaxAttempts)
	assert.Equal(t, DefaultPriority, cs.Priority)
	assert.NotNil(t, cs.Meta)
	assert.NotNil(t, cs.Tags)
}

func TestNewChangeset_NilArgsDefaultsToEmptyMap(t *testing.T) {
	cs, err := NewChangeset("q", "w", nil)
	require.NoError(t, err)
	assert.NotNil(t, cs.Args)
	assert.Empty(t, cs.Args)
}

func TestNewChangeset_RejectsEmptyOrOverlongFields(t *testing.T) {
	_, err := NewChangeset("", "worker", nil)
	assert.ErrorIs(t, err, joberrors.ErrInvalidJob)

	_, err = NewChangeset("queue", "", nil)
	assert.ErrorIs(t, err, joberrors.ErrInvalidJob)

	longName := make([]byte, maxQueueLen+1)
	for i := range longName {
		longName[i] = 'a'
	}
	_, err = NewChangeset(string(longName), "worker", nil)
	assert.ErrorIs(t, err, joberrors.ErrInvalidJob)
}

func TestChangeset_Validate(t *testing.T) {
	cs, err := NewChangeset("q", "w", nil)
	require.NoError(t, err)
	assert.NoError(t, cs.Validate())

	cs.MaxAttempts = 0
	assert.ErrorIs(t, cs.Validate(), joberrors.ErrInvalidJob)

	cs.MaxAttempts = 1
	cs.Priority = MaxPriority + 1
	assert.ErrorIs(t, cs.Validate(), joberrors.ErrInvalidJob)
}

func TestPeer_Expired(t *testing.T) {
	p := &Peer{Name: "singleton"}
	now := p.ExpiresAt // zero time
	assert.True(t, p.Expired(now.Add(1)))
}
