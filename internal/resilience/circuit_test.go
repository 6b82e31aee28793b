package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(ctx context.Context) error    { return eris.New("provider down") }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(context.Background(), failing))
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	require.Error(t, cb.Execute(context.Background(), failing))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, CircuitOpen, cb.State())

	// Before the reset timeout the circuit rejects.
	err := cb.Execute(context.Background(), succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// After the timeout a successful probe closes the circuit.
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitFailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	require.Error(t, cb.Execute(context.Background(), failing))
	now = now.Add(31 * time.Second)
	require.Error(t, cb.Execute(context.Background(), failing))

	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, cb.Execute(context.Background(), failing))
	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
