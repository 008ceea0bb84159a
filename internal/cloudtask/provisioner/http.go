package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cloudtask/pkg/cloudtask"
)

// HTTPProvisioner is a REST-based cloud driver skeleton: create/poll/
// destroy over net/http, retried with the Retrier's fixed-backoff
// policy. It is the seam a real cloud SDK plugs into — none of the
// retrieved pack's vendor SDKs (AWS, OCI, Kubernetes) model this
// spec's instance-by-IP launch/poll/destroy contract closely enough to
// adopt wholesale, so this implements the wire contract directly
// against a configurable base URL.
type HTTPProvisioner struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Retrier    Retrier
	Logger     *slog.Logger

	FirstWait    time.Duration
	PollInterval time.Duration
	PendingWait  time.Duration
}

type createRequest struct {
	Options cloudtask.ProvisionerOptions `json:"options"`
}

type createResponse struct {
	InstanceID string `json:"instance_id"`
}

type statusResponse struct {
	InstanceID string `json:"instance_id"`
	IP         string `json:"ip"`
	Status     string `json:"status"` // "pending" | "running" | "error"
	Booted     bool   `json:"booted"`
}

type destroyResponse struct {
	Destroyed []Instance `json:"destroyed"`
}

// Launch issues n creation requests (retried individually), then polls
// each pending instance until running-and-booted, yielding each as it
// becomes ready. progress is polled once per poll tick; when it
// returns false, Launch stops creating new instances, lets in-flight
// creations either finish (destroyed, not yielded) or time out past
// PendingWait, and ends the stream with ErrStopped.
func (p *HTTPProvisioner) Launch(ctx context.Context, n int, opts cloudtask.ProvisionerOptions, progress ProgressFunc) (<-chan LaunchResult, error) {
	out := make(chan LaunchResult, n)

	go func() {
		defer close(out)

		pending := make(map[string]time.Time) // instance id -> creation time
		draining := false

		for i := 0; i < n && !draining; i++ {
			if progress != nil && !progress() {
				draining = true
				break
			}
			id, err := p.create(ctx, opts)
			if err != nil {
				if isFatal(err) {
					out <- LaunchResult{Err: err}
					return
				}
				out <- LaunchResult{Err: fmt.Errorf("provisioner: create instance: %w", err)}
				continue
			}
			pending[id] = time.Now()
		}

		if len(pending) == 0 {
			if draining {
				out <- LaunchResult{Err: ErrStopped}
			}
			return
		}

		select {
		case <-ctx.Done():
			out <- LaunchResult{Err: ctx.Err()}
			return
		case <-time.After(p.firstWait()):
		}

		ticker := time.NewTicker(p.pollInterval())
		defer ticker.Stop()

		for len(pending) > 0 {
			if progress != nil && !progress() {
				draining = true
			}

			for id, created := range pending {
				st, err := p.poll(ctx, id)
				if err != nil {
					if isFatal(err) {
						out <- LaunchResult{Err: err}
						return
					}
					continue
				}
				switch {
				case st.Status == "running" && st.Booted:
					delete(pending, id)
					if draining {
						_, _ = p.Destroy(ctx, []string{st.IP})
						continue
					}
					out <- LaunchResult{Instance: Instance{IP: st.IP, ID: id}}
				case st.Status == "running" && draining:
					delete(pending, id)
					_, _ = p.Destroy(ctx, []string{st.IP})
				case draining && time.Since(created) > p.pendingWait():
					delete(pending, id)
					out <- LaunchResult{Err: fmt.Errorf("provisioner: instance %s did not finish before drain timeout", id)}
				}
			}

			if draining && len(pending) == 0 {
				break
			}

			select {
			case <-ctx.Done():
				out <- LaunchResult{Err: ctx.Err()}
				return
			case <-ticker.C:
			}
		}

		if draining {
			out <- LaunchResult{Err: ErrStopped}
		}
	}()

	return out, nil
}

// Destroy posts a destroy request for addrs and returns the subset the
// provider confirmed it destroyed.
func (p *HTTPProvisioner) Destroy(ctx context.Context, addrs []string) ([]Instance, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	var result destroyResponse
	err := p.Retrier.Do(ctx, "destroy", func(ctx context.Context) error {
		body, err := json.Marshal(addrs)
		if err != nil {
			return fmt.Errorf("marshal destroy request: %w", err)
		}
		resp, err := p.doRequest(ctx, http.MethodPost, "/instances/destroy", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return result.Destroyed, nil
}

func (p *HTTPProvisioner) create(ctx context.Context, opts cloudtask.ProvisionerOptions) (string, error) {
	// A fresh idempotency key per create call (not per retry attempt)
	// so a retried POST after a dropped response doesn't double-launch
	// an instance on the provider side.
	idempotencyKey := uuid.NewString()

	var result createResponse
	err := p.Retrier.Do(ctx, "create", func(ctx context.Context) error {
		body, err := json.Marshal(createRequest{Options: opts})
		if err != nil {
			return fmt.Errorf("marshal create request: %w", err)
		}
		resp, err := p.doRequestWithIdempotencyKey(ctx, http.MethodPost, "/instances", body, idempotencyKey)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return "", err
	}
	return result.InstanceID, nil
}

func (p *HTTPProvisioner) poll(ctx context.Context, instanceID string) (*statusResponse, error) {
	var result statusResponse
	err := p.Retrier.Do(ctx, "poll", func(ctx context.Context) error {
		resp, err := p.doRequest(ctx, http.MethodGet, "/instances/"+instanceID, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *HTTPProvisioner) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return p.doRequestWithIdempotencyKey(ctx, method, path, body, "")
}

func (p *HTTPProvisioner) doRequestWithIdempotencyKey(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return resp, nil
}

// classifyStatus maps an HTTP status code to the Provisioner sentinel
// errors, wrapping 5xx/429 as ErrTransient so Retrier retries them.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrInvalidCredentials
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: http status %d", ErrTransient, code)
	default:
		return fmt.Errorf("provisioner: unexpected http status %d", code)
	}
}

func isFatal(err error) bool {
	return err == ErrInvalidCredentials || err == ErrNotFound
}

func (p *HTTPProvisioner) firstWait() time.Duration {
	if p.FirstWait > 0 {
		return p.FirstWait
	}
	return cloudtask.ProvisionerFirstWait
}

func (p *HTTPProvisioner) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return cloudtask.ProvisionerPollInterval
}

func (p *HTTPProvisioner) pendingWait() time.Duration {
	if p.PendingWait > 0 {
		return p.PendingWait
	}
	return cloudtask.ProvisionerFirstWait
}
