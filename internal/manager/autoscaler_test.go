package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
)

func scalingSession(utilizationPct float64) models.Session {
	session := models.Session{ID: "sess_1", Resources: models.DefaultResources()}
	session.Scaling = models.DefaultScaling()
	session.Scaling.Enabled = true
	// cpu allocation is 1 vCPU, so usage in vCPUs maps directly to percent.
	session.Resources.CPU.Usage = utilizationPct / 100
	return session
}

func newTestScaler(backend runtime.Backend) (*AutoScaler, *fakeClock) {
	clock := newFakeClock()
	scaler := NewAutoScaler(backend, testLogger())
	scaler.now = clock.Now
	return scaler, clock
}

func TestDecideDisabledMaintains(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	session := scalingSession(95)
	session.Scaling.Enabled = false

	decision := scaler.Decide(session)
	if decision.Action != ScaleMaintain {
		t.Fatalf("action = %s", decision.Action)
	}
	if decision.Confidence != 1.0 {
		t.Fatalf("confidence = %v", decision.Confidence)
	}
}

func TestDecideScalesUpAboveThreshold(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	decision := scaler.Decide(scalingSession(95))

	if decision.Action != ScaleUp {
		t.Fatalf("action = %s", decision.Action)
	}
	if decision.TargetReplicas != 2 {
		t.Fatalf("target = %d", decision.TargetReplicas)
	}
	if decision.Confidence < 0.5 || decision.Confidence > 1.0 {
		t.Fatalf("confidence = %v", decision.Confidence)
	}
}

func TestDecideMaintainsAtMaxReplicas(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	session := scalingSession(95)
	session.Scaling.CurrentReplicas = session.Scaling.MaxReplicas

	decision := scaler.Decide(session)
	if decision.Action != ScaleMaintain {
		t.Fatalf("action = %s", decision.Action)
	}
	if decision.TargetReplicas != session.Scaling.MaxReplicas {
		t.Fatalf("target = %d", decision.TargetReplicas)
	}
}

func TestDecideScalesDownBelowThreshold(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	session := scalingSession(10)
	session.Scaling.CurrentReplicas = 2

	decision := scaler.Decide(session)
	if decision.Action != ScaleDown {
		t.Fatalf("action = %s", decision.Action)
	}
	if decision.TargetReplicas != 1 {
		t.Fatalf("target = %d", decision.TargetReplicas)
	}
}

func TestDecideMaintainsAtMinReplicas(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	decision := scaler.Decide(scalingSession(10))
	if decision.Action != ScaleMaintain {
		t.Fatalf("action = %s", decision.Action)
	}
}

func TestDecideWithinThresholdsMaintains(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	decision := scaler.Decide(scalingSession(50))
	if decision.Action != ScaleMaintain {
		t.Fatalf("action = %s", decision.Action)
	}
}

func TestCooldownGatesFollowupDecision(t *testing.T) {
	backend := runtime.NewFakeBackend()
	scaler, clock := newTestScaler(backend)
	ctx := context.Background()
	session := scalingSession(95)

	first := scaler.Decide(session)
	if first.Action != ScaleUp {
		t.Fatalf("first action = %s", first.Action)
	}
	if err := scaler.Execute(ctx, &session, first); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if session.Scaling.CurrentReplicas != 2 {
		t.Fatalf("replicas = %d", session.Scaling.CurrentReplicas)
	}

	// Still hot, but inside the 5m cooldown window.
	clock.Advance(time.Minute)
	second := scaler.Decide(session)
	if second.Action != ScaleMaintain {
		t.Fatalf("second action = %s, want maintain during cooldown", second.Action)
	}

	// Past the window the scaler acts again.
	clock.Advance(5 * time.Minute)
	third := scaler.Decide(session)
	if third.Action != ScaleUp {
		t.Fatalf("third action = %s", third.Action)
	}
}

func TestExecuteCallsBackend(t *testing.T) {
	backend := runtime.NewFakeBackend()
	scaler, _ := newTestScaler(backend)
	ctx := context.Background()
	session := scalingSession(95)

	decision := scaler.Decide(session)
	if err := scaler.Execute(ctx, &session, decision); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if backend.AddCalls != 1 {
		t.Fatalf("AddCalls = %d", backend.AddCalls)
	}

	session.Resources.CPU.Usage = 0.1
	session.Scaling.CooldownPeriod = 0
	down := scaler.Decide(session)
	if down.Action != ScaleDown {
		t.Fatalf("action = %s", down.Action)
	}
	if err := scaler.Execute(ctx, &session, down); err != nil {
		t.Fatalf("Execute down: %v", err)
	}
	if backend.RemoveCalls != 1 {
		t.Fatalf("RemoveCalls = %d", backend.RemoveCalls)
	}
}

func TestExecuteBackendFailureKeepsReplicas(t *testing.T) {
	backend := runtime.NewFakeBackend()
	backend.AddErr = errors.New("replica pool full")
	scaler, _ := newTestScaler(backend)
	session := scalingSession(95)

	decision := scaler.Decide(session)
	err := scaler.Execute(context.Background(), &session, decision)
	if err == nil {
		t.Fatal("expected error")
	}
	if session.Scaling.CurrentReplicas != 1 {
		t.Fatalf("replicas = %d, want unchanged 1", session.Scaling.CurrentReplicas)
	}
}

func TestManualDecisionClampsAndValidates(t *testing.T) {
	scaler, _ := newTestScaler(runtime.NewFakeBackend())
	session := scalingSession(50)

	decision, err := scaler.ManualDecision(session, ScaleUp, 10)
	if err != nil {
		t.Fatalf("ManualDecision: %v", err)
	}
	if decision.TargetReplicas != session.Scaling.MaxReplicas {
		t.Fatalf("target = %d, want clamp to %d", decision.TargetReplicas, session.Scaling.MaxReplicas)
	}

	if _, err := scaler.ManualDecision(session, "explode", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	session.Scaling.CurrentReplicas = 2
	if _, err := scaler.ManualDecision(session, ScaleDown, 3); !errors.Is(err, ErrValidation) {
		t.Fatalf("contradictory target err = %v, want ErrValidation", err)
	}
}

func TestForgetClearsCooldown(t *testing.T) {
	scaler, clock := newTestScaler(runtime.NewFakeBackend())
	ctx := context.Background()
	session := scalingSession(95)

	decision := scaler.Decide(session)
	if err := scaler.Execute(ctx, &session, decision); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	clock.Advance(time.Second)
	scaler.Forget(session.ID)

	next := scaler.Decide(session)
	if next.Action != ScaleUp {
		t.Fatalf("action = %s, cooldown should be forgotten", next.Action)
	}
}
