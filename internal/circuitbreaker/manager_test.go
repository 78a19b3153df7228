package circuitbreaker

import (
	"errors"
	"testing"
)

func TestManager_Disabled_PassesThrough(t *testing.T) {
	m := NewManager(Config{Enabled: false})

	called := false
	_, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) {
		called = true
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !called {
		t.Error("expected function to be called when breaker disabled")
	}
	if state := m.State(ServiceEVMRPC); state != "disabled" {
		t.Errorf("State() = %v, want disabled", state)
	}
}

func TestManager_UnconfiguredService_PassesThrough(t *testing.T) {
	m := NewManager(Config{Enabled: true})

	_, err := m.Execute(ServiceType("unknown"), func() (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestManager_TripsOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EVMRPC.ConsecutiveFailures = 2
	cfg.EVMRPC.MinRequests = 0
	cfg.EVMRPC.FailureRatio = 0
	m := NewManager(cfg)

	failing := func() (interface{}, error) {
		return nil, errors.New("rpc unavailable")
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Execute(ServiceEVMRPC, failing); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}

	if state := m.State(ServiceEVMRPC); state != "open" {
		t.Errorf("State() = %v, want open after consecutive failures", state)
	}

	if _, err := m.Execute(ServiceEVMRPC, func() (interface{}, error) { return "ok", nil }); err == nil {
		t.Error("expected circuit breaker to reject request while open")
	}
}

func TestManager_Counts(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.Execute(ServiceDaraja, func() (interface{}, error) { return "ok", nil })
	m.Execute(ServiceDaraja, func() (interface{}, error) { return nil, errors.New("boom") })

	counts := m.Counts(ServiceDaraja)
	if counts.Requests != 2 {
		t.Errorf("Counts().Requests = %d, want 2", counts.Requests)
	}
	if counts.TotalSuccesses != 1 {
		t.Errorf("Counts().TotalSuccesses = %d, want 1", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Counts().TotalFailures = %d, want 1", counts.TotalFailures)
	}
}
