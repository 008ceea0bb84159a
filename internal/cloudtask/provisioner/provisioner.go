// Package provisioner implements C2 of SPEC_FULL.md: asynchronous
// instance launch/destroy against a cloud provider, abstracted so the
// Pool and Worker never see a vendor SDK directly.
//
// The interface shape (Launch/Destroy, a drain-aware progress callback,
// a shared retry helper) is grounded on the teacher's
// internal/bmc/retry.go doWithRetry and the redfish.Client capability
// boundary it wraps.
package provisioner

import (
	"context"
	"errors"

	"cloudtask/pkg/cloudtask"
)

// Instance is one provisioned (or statically assigned) worker host.
type Instance struct {
	IP string
	ID string
}

// LaunchResult is one element of the stream Launch yields: a booted
// instance, a per-instance error that does not end the stream (a failed
// create, an instance dropped at drain timeout), or a terminal error
// (ErrStopped when drained, ErrInvalidCredentials/ErrNotFound when a
// fatal provider error aborts the whole launch).
type LaunchResult struct {
	Instance Instance
	Err      error
}

// ErrStopped is the terminal value of a drained Launch stream.
var ErrStopped = errors.New("provisioner: stopped")

// ErrInvalidCredentials means the provider rejected the call outright;
// Launch aborts without retrying.
var ErrInvalidCredentials = errors.New("provisioner: invalid credentials")

// ErrNotFound means the provider has no record of a referenced
// resource (e.g. destroying an address it never launched).
var ErrNotFound = errors.New("provisioner: not found")

// ErrTransient marks a provider error as retryable. Implementations
// wrap it with fmt.Errorf("...: %w", ErrTransient) so Retrier can
// classify the failure with errors.Is.
var ErrTransient = errors.New("provisioner: transient error")

// ProgressFunc is polled once per status-check tick during Launch. When
// it returns false, Launch enters drain mode: it stops issuing new
// creation requests, lets in-flight creations either finish (and then
// destroys them without yielding) or fail past a pending-timeout, and
// closes the result stream with ErrStopped once fully drained.
type ProgressFunc func() bool

// Provisioner is the capability contract described in SPEC_FULL.md §6.
type Provisioner interface {
	// Launch issues up to n creation requests and streams back each
	// instance as it becomes running and booted. The returned channel
	// is closed once the stream ends (all n yielded, drained, or a
	// fatal error occurred — the last LaunchResult on the channel
	// before close carries that terminal Err).
	Launch(ctx context.Context, n int, opts cloudtask.ProvisionerOptions, progress ProgressFunc) (<-chan LaunchResult, error)

	// Destroy best-effort destroys the given addresses, returning the
	// subset it actually destroyed. An address missing from the
	// returned slice must be treated as possibly still running.
	Destroy(ctx context.Context, addrs []string) ([]Instance, error)
}
