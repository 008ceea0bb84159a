package provisioner

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloudtask/pkg/cloudtask"
)

// fakeCloudAPI is a minimal in-memory stand-in for a provider's REST
// API: one instance becomes running+booted after a configurable number
// of poll calls.
type fakeCloudAPI struct {
	mu            sync.Mutex
	pollsToReady  int
	polls         map[string]int
	destroyed     []string
	nextID        int32
	authRequired  bool
	failCreate    bool
	destroyCalled int32
}

func newFakeCloudAPI(pollsToReady int) *fakeCloudAPI {
	return &fakeCloudAPI{pollsToReady: pollsToReady, polls: map[string]int{}}
}

func (f *fakeCloudAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.authRequired && r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/instances":
			if f.failCreate {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			f.mu.Lock()
			id := atomic.AddInt32(&f.nextID, 1)
			f.mu.Unlock()
			instanceID := "i-" + time.Now().Format("150405") + "-" + itoa(int(id))
			json.NewEncoder(w).Encode(createResponse{InstanceID: instanceID})
		case r.Method == http.MethodGet && len(r.URL.Path) > len("/instances/"):
			id := r.URL.Path[len("/instances/"):]
			f.mu.Lock()
			f.polls[id]++
			ready := f.polls[id] >= f.pollsToReady
			f.mu.Unlock()
			resp := statusResponse{InstanceID: id, IP: "10.1.2.3", Status: "pending"}
			if ready {
				resp.Status = "running"
				resp.Booted = true
			}
			json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodPost && r.URL.Path == "/instances/destroy":
			var addrs []string
			json.NewDecoder(r.Body).Decode(&addrs)
			atomic.AddInt32(&f.destroyCalled, 1)
			f.mu.Lock()
			f.destroyed = append(f.destroyed, addrs...)
			f.mu.Unlock()
			instances := make([]Instance, len(addrs))
			for i, a := range addrs {
				instances[i] = Instance{IP: a, ID: "destroyed"}
			}
			json.NewEncoder(w).Encode(destroyResponse{Destroyed: instances})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestHTTPProvisioner(t *testing.T, srv *httptest.Server) *HTTPProvisioner {
	t.Helper()
	return &HTTPProvisioner{
		BaseURL:      srv.URL,
		APIKey:       "secret",
		Retrier:      Retrier{MaxAttempts: 2, Backoff: time.Millisecond},
		FirstWait:    time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		PendingWait:  20 * time.Millisecond,
	}
}

func TestHTTPProvisionerLaunchYieldsReadyInstance(t *testing.T) {
	api := newFakeCloudAPI(2)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestHTTPProvisioner(t, srv)
	ch, err := p.Launch(t.Context(), 1, cloudtask.ProvisionerOptions{}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var results []LaunchResult
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if results[0].Instance.IP != "10.1.2.3" {
		t.Errorf("ip = %q", results[0].Instance.IP)
	}
}

func TestHTTPProvisionerLaunchFatalCredentialsAborts(t *testing.T) {
	api := newFakeCloudAPI(1)
	api.authRequired = true
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestHTTPProvisioner(t, srv)
	p.APIKey = "wrong"
	ch, err := p.Launch(t.Context(), 1, cloudtask.ProvisionerOptions{}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var results []LaunchResult
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 1 || !errors.Is(results[0].Err, ErrInvalidCredentials) {
		t.Fatalf("expected a single ErrInvalidCredentials result, got %+v", results)
	}
}

func TestHTTPProvisionerDrainDestroysFinishedWithoutYielding(t *testing.T) {
	api := newFakeCloudAPI(1)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestHTTPProvisioner(t, srv)
	// Allow the one create request, then report stop on every later call
	// so the first status poll (already running+booted) runs in drain mode.
	var calls int32
	progress := func() bool {
		return atomic.AddInt32(&calls, 1) == 1
	}

	ch, err := p.Launch(t.Context(), 1, cloudtask.ProvisionerOptions{}, progress)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	var results []LaunchResult
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 1 || !errors.Is(results[0].Err, ErrStopped) {
		t.Fatalf("expected drain to end with ErrStopped, got %+v", results)
	}
	if got := atomic.LoadInt32(&api.destroyCalled); got != 1 {
		t.Errorf("destroy calls = %d, want 1 (the instance that finished during drain)", got)
	}
}

func TestHTTPProvisionerDestroy(t *testing.T) {
	api := newFakeCloudAPI(1)
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	p := newTestHTTPProvisioner(t, srv)
	destroyed, err := p.Destroy(t.Context(), []string{"10.1.2.3"})
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(destroyed) != 1 || destroyed[0].IP != "10.1.2.3" {
		t.Fatalf("got %+v", destroyed)
	}
}
