// Package fprint adapts the session API to the staged enroll/verify
// vocabulary fingerprint frameworks expect: enrollment advances through a
// fixed number of stages, and non-fatal sample problems surface as retry
// verdicts instead of errors.
package fprint

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfpc/fpcusb/config"
	"github.com/openfpc/fpcusb/device"
	"github.com/openfpc/fpcusb/pkg"
	"github.com/openfpc/fpcusb/session"
)

// EnrollStatus is the verdict of one enrollment stage.
type EnrollStatus int

// Enrollment stage verdicts.
const (
	EnrollStagePassed EnrollStatus = iota // Sample accepted, more stages remain
	EnrollCompleted                       // Final stage accepted, template ready
	EnrollRetry                           // Reposition the finger and retry the stage
	EnrollFailed                          // Sequence aborted
)

// String returns a human-readable verdict name.
func (s EnrollStatus) String() string {
	switch s {
	case EnrollStagePassed:
		return "stage passed"
	case EnrollCompleted:
		return "completed"
	case EnrollRetry:
		return "retry"
	case EnrollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VerifyStatus is the verdict of a verification or identification attempt.
type VerifyStatus int

// Verification verdicts.
const (
	VerifyMatch   VerifyStatus = iota // Sample matched
	VerifyNoMatch                     // Sample did not match
	VerifyRetry                       // Reposition the finger and retry
)

// String returns a human-readable verdict name.
func (s VerifyStatus) String() string {
	switch s {
	case VerifyMatch:
		return "match"
	case VerifyNoMatch:
		return "no match"
	case VerifyRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Scanner wraps a session with staged enrollment bookkeeping.
type Scanner struct {
	sess   *session.Session
	stages int

	stage     int
	enrolling bool
}

// NewScanner creates a scanner over the session. The stage count comes
// from the configuration; a nil cfg uses the defaults.
func NewScanner(sess *session.Session, cfg *config.Config) *Scanner {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Scanner{sess: sess, stages: cfg.EnrollSamples}
}

// EnrollStages returns the number of samples a full enrollment needs.
func (sc *Scanner) EnrollStages() int {
	return sc.stages
}

// Stage returns the number of stages passed in the current enrollment.
func (sc *Scanner) Stage() int {
	return sc.stage
}

// EnrollBegin starts a staged enrollment for the template slot.
func (sc *Scanner) EnrollBegin(ctx context.Context, slot uint8, name string, timeout uint32) error {
	if sc.enrolling {
		return fmt.Errorf("enrollment already in progress: %w", pkg.ErrBusy)
	}
	if err := sc.sess.EnrollStart(ctx, slot, name, timeout); err != nil {
		return err
	}
	sc.enrolling = true
	sc.stage = 0
	return nil
}

// EnrollStep captures one enrollment sample and reports the stage verdict.
// On EnrollCompleted the returned template is the finished enrollment; on
// EnrollRetry the stage does not advance and the caller repositions the
// finger. EnrollFailed means the sequence is over and the device has
// already been handed to recovery if the failure warranted it.
func (sc *Scanner) EnrollStep(ctx context.Context) (EnrollStatus, *device.Template, error) {
	if !sc.enrolling {
		return EnrollFailed, nil, fmt.Errorf("no enrollment in progress: %w", pkg.ErrInvalidParam)
	}

	if _, err := sc.sess.EnrollContinue(ctx); err != nil {
		if pkg.Retryable(err) {
			return EnrollRetry, nil, nil
		}
		sc.enrolling = false
		sc.stage = 0
		return EnrollFailed, nil, err
	}

	sc.stage++
	if sc.stage < sc.stages {
		return EnrollStagePassed, nil, nil
	}

	tpl, err := sc.sess.EnrollComplete(ctx)
	sc.enrolling = false
	sc.stage = 0
	if err != nil {
		return EnrollFailed, nil, err
	}
	return EnrollCompleted, tpl, nil
}

// EnrollCancel aborts the staged enrollment. Safe to call when none is in
// progress.
func (sc *Scanner) EnrollCancel(ctx context.Context) error {
	if !sc.enrolling {
		return nil
	}
	sc.enrolling = false
	sc.stage = 0
	return sc.sess.EnrollCancel(ctx)
}

// Verify matches a live sample against one stored template, translating
// non-fatal sample problems into the retry verdict.
func (sc *Scanner) Verify(ctx context.Context, slot uint8, timeout uint32) (VerifyStatus, uint8, error) {
	confidence, err := sc.sess.Verify(ctx, slot, timeout)
	switch {
	case err == nil:
		return VerifyMatch, confidence, nil
	case errors.Is(err, pkg.ErrNoMatch):
		return VerifyNoMatch, 0, nil
	case pkg.Retryable(err):
		return VerifyRetry, 0, nil
	default:
		return VerifyNoMatch, 0, err
	}
}

// Identify matches a live sample against all stored templates.
func (sc *Scanner) Identify(ctx context.Context, timeout uint32) (VerifyStatus, *device.IdentifyResult, error) {
	res, err := sc.sess.Identify(ctx, timeout)
	switch {
	case err == nil:
		return VerifyMatch, res, nil
	case errors.Is(err, pkg.ErrNoMatch):
		return VerifyNoMatch, nil, nil
	case pkg.Retryable(err):
		return VerifyRetry, nil, nil
	default:
		return VerifyNoMatch, nil, err
	}
}
