package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// KillSwitchState is one of Ready, Tracking, Tripped, Restarting.
type KillSwitchState string

const (
	KillSwitchReady      KillSwitchState = "ready"
	KillSwitchTracking   KillSwitchState = "tracking"
	KillSwitchTripped    KillSwitchState = "tripped"
	KillSwitchRestarting KillSwitchState = "restarting"
)

// KillSwitchEvent is raised on every state transition.
type KillSwitchEvent struct {
	From KillSwitchState
	To   KillSwitchState
	At   time.Time
}

// KillSwitchOptions configures the process-wide back-pressure switch.
type KillSwitchOptions struct {
	ActivationThreshold int
	TripThreshold       float64 // failure rate in [0,1]
	TrackingWindow      time.Duration
	RestartTimeout      time.Duration
	TripOnExceptions    []error
	IgnoreExceptions    []error
}

type sample struct {
	at      time.Time
	success bool
}

// KillSwitch is process-wide admission control fed by every
// completed task execution across the worker.
type KillSwitch struct {
	mu             sync.Mutex
	opts           KillSwitchOptions
	state          KillSwitchState
	samples        []sample
	gate           chan struct{} // closed while Ready/Tracking; open (blocking) while Tripped/Restarting
	restartTimer   *time.Timer
	onStateChanged func(KillSwitchEvent)
}

// NewKillSwitch builds a Ready kill switch. onStateChanged may be nil.
func NewKillSwitch(opts KillSwitchOptions, onStateChanged func(KillSwitchEvent)) *KillSwitch {
	gate := make(chan struct{})
	close(gate) // closed gate == not blocking
	return &KillSwitch{
		opts:           opts,
		state:          KillSwitchReady,
		gate:           gate,
		onStateChanged: onStateChanged,
	}
}

func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// WaitUntilReady blocks until the gate is open (not Tripped) or ctx
// is cancelled. The gate is acquired outside any internal lock.
func (k *KillSwitch) WaitUntilReady(ctx context.Context) error {
	k.mu.Lock()
	gate := k.gate
	k.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KillSwitch) shouldIgnore(err error) bool {
	for _, ignored := range k.opts.IgnoreExceptions {
		if errors.Is(err, ignored) {
			return true
		}
	}
	return false
}

func (k *KillSwitch) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if k.shouldIgnore(err) {
		return false
	}
	if len(k.opts.TripOnExceptions) == 0 {
		return true
	}
	for _, tracked := range k.opts.TripOnExceptions {
		if errors.Is(err, tracked) {
			return true
		}
	}
	return false
}

func (k *KillSwitch) transitionLocked(to KillSwitchState) func() {
	from := k.state
	if from == to {
		return func() {}
	}
	k.state = to
	now := time.Now()
	ev := KillSwitchEvent{From: from, To: to, At: now}

	switch to {
	case KillSwitchTripped:
		k.gate = make(chan struct{}) // new, unclosed: blocks waiters
		if k.restartTimer != nil {
			k.restartTimer.Stop()
		}
		k.restartTimer = time.AfterFunc(k.opts.RestartTimeout, k.autoRestart)
	case KillSwitchReady, KillSwitchTracking:
		if from == KillSwitchTripped || from == KillSwitchRestarting {
			close(k.gate)
		}
	}

	return func() {
		if k.onStateChanged != nil {
			k.onStateChanged(ev)
		}
	}
}

func (k *KillSwitch) autoRestart() {
	k.mu.Lock()
	if k.state != KillSwitchTripped {
		k.mu.Unlock()
		return
	}
	k.samples = nil
	raiseRestarting := k.transitionLocked(KillSwitchRestarting)
	raiseReady := k.transitionLocked(KillSwitchReady)
	k.mu.Unlock()
	raiseRestarting()
	raiseReady()
}

func (k *KillSwitch) pruneLocked(now time.Time) {
	if k.opts.TrackingWindow <= 0 {
		return
	}
	cutoff := now.Add(-k.opts.TrackingWindow)
	kept := k.samples[:0]
	for _, s := range k.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	k.samples = kept
}

// RecordOutcome appends one sample to the sliding window and evaluates
// the trip condition.
func (k *KillSwitch) RecordOutcome(err error) {
	if err != nil && !k.countsAsFailure(err) {
		return
	}
	k.mu.Lock()
	now := time.Now()
	k.pruneLocked(now)
	k.samples = append(k.samples, sample{at: now, success: err == nil})

	var raises []func()
	if k.state == KillSwitchReady && len(k.samples) >= k.opts.ActivationThreshold {
		raises = append(raises, k.transitionLocked(KillSwitchTracking))
	}
	if k.state == KillSwitchTracking {
		windowCount := len(k.samples)
		if windowCount >= k.opts.ActivationThreshold {
			failureCount := 0
			for _, s := range k.samples {
				if !s.success {
					failureCount++
				}
			}
			rate := float64(failureCount) / float64(windowCount)
			if rate >= k.opts.TripThreshold {
				raises = append(raises, k.transitionLocked(KillSwitchTripped))
			}
		}
	}
	k.mu.Unlock()
	for _, raise := range raises {
		raise()
	}
}

// Reset forces the switch back to Ready, clearing the window.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	k.samples = nil
	if k.restartTimer != nil {
		k.restartTimer.Stop()
	}
	raise := k.transitionLocked(KillSwitchReady)
	k.mu.Unlock()
	raise()
}
