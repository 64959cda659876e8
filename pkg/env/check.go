package env

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Check exercises an environment before training: it resets, verifies the
// spec, rejects an out-of-range action, takes one baseline step and checks
// the observation and reward. The environment is reset again afterwards.
func Check(ctx context.Context, e Interface) error {
	spec, err := e.Spec(ctx)
	if err != nil {
		return fmt.Errorf("check: spec: %w", err)
	}
	if spec.NumActions < 1 {
		return fmt.Errorf("check: %d actions", spec.NumActions)
	}
	if spec.MaxSteps < 1 {
		return fmt.Errorf("check: max steps %d", spec.MaxSteps)
	}
	if !(spec.ObservationLow <= spec.ObservationHigh) {
		return fmt.Errorf("check: empty observation space [%v, %v]", spec.ObservationLow, spec.ObservationHigh)
	}

	obs, err := e.Reset(ctx, nil)
	if err != nil {
		return fmt.Errorf("check: reset: %w", err)
	}
	if obs != 0 {
		return fmt.Errorf("check: initial observation %v, want 0", obs)
	}

	if _, err := e.Step(ctx, spec.NumActions); !errors.Is(err, ErrInvalidAction) {
		return fmt.Errorf("check: action %d was not rejected (err %v)", spec.NumActions, err)
	}

	res, err := e.Step(ctx, 0)
	if err != nil {
		return fmt.Errorf("check: step: %w", err)
	}
	if math.IsNaN(res.Observation) || res.Observation < spec.ObservationLow || res.Observation > spec.ObservationHigh {
		return fmt.Errorf("check: observation %v outside [%v, %v]", res.Observation, spec.ObservationLow, spec.ObservationHigh)
	}
	if res.Reward != -res.Observation {
		return fmt.Errorf("check: reward %v is not the negated observation %v", res.Reward, res.Observation)
	}
	if res.Truncated {
		return errors.New("check: step reported truncation")
	}
	if res.Terminated != (spec.MaxSteps == 1) {
		return fmt.Errorf("check: terminated=%v after one step with max steps %d", res.Terminated, spec.MaxSteps)
	}

	if _, err := e.Reset(ctx, nil); err != nil {
		return fmt.Errorf("check: reset: %w", err)
	}
	return nil
}
