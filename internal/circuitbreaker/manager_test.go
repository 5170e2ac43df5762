package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfacilitator/x402fac/internal/config"
)

func testConfig() Config {
	return Config{
		Enabled: true,
		EVMRPC: BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             10 * time.Millisecond,
			ConsecutiveFailures: 3,
		},
		SolanaRPC: BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             10 * time.Millisecond,
			ConsecutiveFailures: 3,
		},
	}
}

func TestManagerDisabledPassesThrough(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	calls := 0
	_, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "disabled", m.State(ServiceEVMRPC))
}

func TestManagerUnconfiguredServicePassesThrough(t *testing.T) {
	m := NewManager(testConfig())
	calls := 0
	_, err := m.Execute(ServiceType("unknown"), func() (interface{}, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "not_configured", m.State(ServiceType("unknown")))
}

func TestManagerTripsAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(testConfig())
	boom := errors.New("rpc unreachable")

	for i := 0; i < 3; i++ {
		_, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, "open", m.State(ServiceEVMRPC))

	// While open, the breaker must reject without even calling fn.
	calls := 0
	_, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) {
		calls++
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestManagerRecoversAfterTimeout(t *testing.T) {
	m := NewManager(testConfig())
	boom := errors.New("rpc unreachable")
	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ServiceEVMRPC, func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, "open", m.State(ServiceEVMRPC))

	time.Sleep(20 * time.Millisecond)

	result, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, "closed", m.State(ServiceEVMRPC))
}

func TestManagerServiceIsolation(t *testing.T) {
	m := NewManager(testConfig())
	boom := errors.New("evm down")
	for i := 0; i < 3; i++ {
		_, _ = m.Execute(ServiceEVMRPC, func() (interface{}, error) { return nil, boom })
	}
	assert.Equal(t, "open", m.State(ServiceEVMRPC))

	// Solana's breaker must be unaffected by the EVM breaker tripping.
	result, err := m.Execute(ServiceSolanaRPC, func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", m.State(ServiceSolanaRPC))
}

func TestManagerCountsTrackSuccessesAndFailures(t *testing.T) {
	m := NewManager(testConfig())
	_, _ = m.Execute(ServiceEVMRPC, func() (interface{}, error) { return "ok", nil })
	_, _ = m.Execute(ServiceEVMRPC, func() (interface{}, error) { return nil, errors.New("fail") })

	counts := m.Counts(ServiceEVMRPC)
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func toAppConfig(cfg Config) config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled: cfg.Enabled,
		EVMRPC: config.BreakerServiceConfig{
			MaxRequests:         cfg.EVMRPC.MaxRequests,
			Interval:            config.Duration{Duration: cfg.EVMRPC.Interval},
			Timeout:             config.Duration{Duration: cfg.EVMRPC.Timeout},
			ConsecutiveFailures: cfg.EVMRPC.ConsecutiveFailures,
			FailureRatio:        cfg.EVMRPC.FailureRatio,
			MinRequests:         cfg.EVMRPC.MinRequests,
		},
		SolanaRPC: config.BreakerServiceConfig{
			MaxRequests:         cfg.SolanaRPC.MaxRequests,
			Interval:            config.Duration{Duration: cfg.SolanaRPC.Interval},
			Timeout:             config.Duration{Duration: cfg.SolanaRPC.Timeout},
			ConsecutiveFailures: cfg.SolanaRPC.ConsecutiveFailures,
			FailureRatio:        cfg.SolanaRPC.FailureRatio,
			MinRequests:         cfg.SolanaRPC.MinRequests,
		},
	}
}

func TestNewManagerFromConfig(t *testing.T) {
	m := NewManagerFromConfig(toAppConfig(testConfig()))
	assert.Equal(t, "closed", m.State(ServiceEVMRPC))
}
