package provisioner

import (
	"context"
	"fmt"

	"cloudtask/pkg/cloudtask"
)

// StaticProvisioner wraps the fixed `--workers` address list (spec.md
// §6). Static hosts are never owned by the core: Launch hands them out
// immediately with a synthetic instance id, and Destroy is a no-op that
// reports every requested address as destroyed, since a Worker never
// calls Destroy for a host it didn't launch.
type StaticProvisioner struct {
	addrs []string
	next  int
}

// NewStaticProvisioner builds a StaticProvisioner over addrs, handed
// out in order on successive Launch calls.
func NewStaticProvisioner(addrs []string) *StaticProvisioner {
	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &StaticProvisioner{addrs: cp}
}

// Launch yields up to n of the remaining static addresses immediately;
// if fewer than n remain, the stream ends early with ErrStopped.
func (s *StaticProvisioner) Launch(ctx context.Context, n int, opts cloudtask.ProvisionerOptions, progress ProgressFunc) (<-chan LaunchResult, error) {
	out := make(chan LaunchResult, n)
	defer close(out)

	for i := 0; i < n; i++ {
		if s.next >= len(s.addrs) {
			out <- LaunchResult{Err: ErrStopped}
			break
		}
		if progress != nil && !progress() {
			out <- LaunchResult{Err: ErrStopped}
			break
		}
		addr := s.addrs[s.next]
		s.next++
		out <- LaunchResult{Instance: Instance{IP: addr, ID: fmt.Sprintf("static:%s", addr)}}
	}
	return out, nil
}

// Destroy is a no-op: static hosts are never owned by the core, so
// every requested address is reported destroyed without contacting
// anything.
func (s *StaticProvisioner) Destroy(ctx context.Context, addrs []string) ([]Instance, error) {
	out := make([]Instance, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Instance{IP: a, ID: fmt.Sprintf("static:%s", a)})
	}
	return out, nil
}
