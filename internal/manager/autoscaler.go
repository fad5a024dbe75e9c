package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
)

// Scaling actions.
const (
	ScaleUp       = "scale_up"
	ScaleDown     = "scale_down"
	ScaleMaintain = "maintain"
)

// ScalingDecision is the outcome of one auto-scaling evaluation.
type ScalingDecision struct {
	Action          string  `json:"action"`
	CurrentReplicas int     `json:"currentReplicas"`
	TargetReplicas  int     `json:"targetReplicas"`
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
}

// AutoScaler computes scale up/down/maintain decisions from cpu
// utilization against the session's thresholds, gated by a per-session
// cooldown window.
type AutoScaler struct {
	backend runtime.Backend
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	lastScale map[string]time.Time
}

// NewAutoScaler builds an auto-scaler with defaults.
func NewAutoScaler(backend runtime.Backend, logger *log.Logger) *AutoScaler {
	if logger == nil {
		logger = log.Default()
	}
	return &AutoScaler{
		backend:   backend,
		logger:    logger,
		now:       time.Now,
		lastScale: make(map[string]time.Time),
	}
}

// WithMetrics wires optional Prometheus metrics.
func (s *AutoScaler) WithMetrics(metrics *Metrics) *AutoScaler {
	if s == nil {
		return s
	}
	s.metrics = metrics
	return s
}

// Decide evaluates the session's current cpu usage against its scaling
// thresholds. A decision inside the cooldown window is maintain regardless
// of utilization.
func (s *AutoScaler) Decide(session models.Session) ScalingDecision {
	scaling := session.Scaling
	current := scaling.CurrentReplicas
	if current < 1 {
		current = 1
	}
	decision := ScalingDecision{
		Action:          ScaleMaintain,
		CurrentReplicas: current,
		TargetReplicas:  current,
	}
	if !scaling.Enabled {
		decision.Reason = "auto-scaling disabled"
		decision.Confidence = 1.0
		s.observe(decision)
		return decision
	}

	if last, ok := s.lastScaleAt(session.ID); ok {
		if elapsed := s.now().UTC().Sub(last); elapsed < scaling.Cooldown() {
			decision.Reason = fmt.Sprintf("cooldown active (%s of %s elapsed)",
				elapsed.Truncate(time.Second), scaling.Cooldown())
			decision.Confidence = 1.0
			s.observe(decision)
			return decision
		}
	}

	utilization := cpuUtilization(session.Resources.CPU)
	switch {
	case utilization > scaling.ScaleUpThreshold:
		target := current + 1
		if target > scaling.MaxReplicas {
			target = scaling.MaxReplicas
		}
		if target == current {
			decision.Reason = fmt.Sprintf("cpu %.1f%% above threshold but at maxReplicas %d", utilization, scaling.MaxReplicas)
			decision.Confidence = 1.0
			s.observe(decision)
			return decision
		}
		decision.Action = ScaleUp
		decision.TargetReplicas = target
		decision.Reason = fmt.Sprintf("cpu %.1f%% above scale-up threshold %.1f%%", utilization, scaling.ScaleUpThreshold)
		decision.Confidence = confidenceFor(utilization, scaling.ScaleUpThreshold)
	case utilization < scaling.ScaleDownThreshold:
		target := current - 1
		if target < scaling.MinReplicas {
			target = scaling.MinReplicas
		}
		if target == current {
			decision.Reason = fmt.Sprintf("cpu %.1f%% below threshold but at minReplicas %d", utilization, scaling.MinReplicas)
			decision.Confidence = 1.0
			s.observe(decision)
			return decision
		}
		decision.Action = ScaleDown
		decision.TargetReplicas = target
		decision.Reason = fmt.Sprintf("cpu %.1f%% below scale-down threshold %.1f%%", utilization, scaling.ScaleDownThreshold)
		decision.Confidence = confidenceFor(scaling.ScaleDownThreshold, utilization)
	default:
		decision.Reason = fmt.Sprintf("cpu %.1f%% within thresholds", utilization)
		decision.Confidence = 1.0
	}
	s.observe(decision)
	return decision
}

// ManualDecision builds a decision for an operator-requested action. The
// replica clamp and cooldown window still apply; replicas of zero means
// one step in the requested direction.
func (s *AutoScaler) ManualDecision(session models.Session, action string, replicas int) (ScalingDecision, error) {
	scaling := session.Scaling
	current := scaling.CurrentReplicas
	if current < 1 {
		current = 1
	}
	decision := ScalingDecision{
		Action:          ScaleMaintain,
		CurrentReplicas: current,
		TargetReplicas:  current,
		Confidence:      1.0,
	}
	switch action {
	case ScaleMaintain:
		decision.Reason = "maintain requested"
		s.observe(decision)
		return decision, nil
	case ScaleUp, ScaleDown:
	default:
		return decision, fmt.Errorf("%w: unknown scaling action %q", ErrValidation, action)
	}

	if last, ok := s.lastScaleAt(session.ID); ok {
		if elapsed := s.now().UTC().Sub(last); elapsed < scaling.Cooldown() {
			decision.Reason = fmt.Sprintf("cooldown active (%s of %s elapsed)",
				elapsed.Truncate(time.Second), scaling.Cooldown())
			s.observe(decision)
			return decision, nil
		}
	}

	target := replicas
	if target <= 0 {
		if action == ScaleUp {
			target = current + 1
		} else {
			target = current - 1
		}
	}
	if target > scaling.MaxReplicas {
		target = scaling.MaxReplicas
	}
	if target < scaling.MinReplicas {
		target = scaling.MinReplicas
	}
	if target == current {
		decision.Reason = fmt.Sprintf("%s requested but replica count pinned at %d", action, current)
		s.observe(decision)
		return decision, nil
	}
	if action == ScaleUp && target < current || action == ScaleDown && target > current {
		return decision, fmt.Errorf("%w: %s to %d replicas contradicts current %d", ErrValidation, action, target, current)
	}
	decision.Action = action
	decision.TargetReplicas = target
	decision.Reason = fmt.Sprintf("%s requested to %d replicas", action, target)
	s.observe(decision)
	return decision, nil
}

// Execute applies a non-maintain decision through the runtime, updates the
// replica count on the session, and stamps the cooldown clock.
func (s *AutoScaler) Execute(ctx context.Context, session *models.Session, decision ScalingDecision) error {
	if s == nil {
		return errors.New("auto-scaler not configured")
	}
	if decision.Action == ScaleMaintain {
		return nil
	}
	if s.backend != nil {
		var err error
		switch decision.Action {
		case ScaleUp:
			err = s.backend.AddReplica(ctx, *session)
		case ScaleDown:
			err = s.backend.RemoveReplica(ctx, *session)
		default:
			return fmt.Errorf("%w: unknown scaling action %q", ErrValidation, decision.Action)
		}
		if err != nil {
			return fmt.Errorf("execute %s for session %s: %w", decision.Action, session.ID, err)
		}
	}
	session.Scaling.CurrentReplicas = decision.TargetReplicas
	s.markScaled(session.ID)
	return nil
}

// Forget drops cooldown tracking for a terminated session.
func (s *AutoScaler) Forget(sessionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.lastScale, sessionID)
	s.mu.Unlock()
}

func (s *AutoScaler) lastScaleAt(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastScale[sessionID]
	return last, ok
}

func (s *AutoScaler) markScaled(sessionID string) {
	s.mu.Lock()
	s.lastScale[sessionID] = s.now().UTC()
	s.mu.Unlock()
}

func (s *AutoScaler) observe(decision ScalingDecision) {
	if s.metrics != nil {
		s.metrics.IncScalingDecision(decision.Action)
	}
}

func cpuUtilization(spec models.ResourceSpec) float64 {
	if spec.Allocated <= 0 {
		return 0
	}
	return spec.Usage / spec.Allocated * 100
}

func confidenceFor(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1.0
	}
	// Farther past the threshold means a stronger signal, capped at 1.0.
	confidence := 0.5 + (value-threshold)/threshold
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0.5 {
		confidence = 0.5
	}
	return confidence
}
