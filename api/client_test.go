package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbocsi/devlink/backoff"
)

const okBody = `{"code":200,"message":"ok","data":{"id":"dev-1"},"timestamp":1000}`

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := []Option{
		WithServices(map[string]string{"devices": srv.URL + "/api/devices"}),
		WithBackoff(backoff.New(time.Millisecond, 10*time.Millisecond)),
		WithTimeout(time.Second),
	}
	return New(append(base, opts...)...)
}

func TestClient_RetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, okBody)
	})

	resp, err := client.Get(context.Background(), "devices", "list", RequestConfig{RetryAttempts: 2})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected exactly 3 network calls, got %d", calls.Load())
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&data); err != nil || data.ID != "dev-1" {
		t.Errorf("Expected data id dev-1, got %+v (err %v)", data, err)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Get(context.Background(), "devices", "list", RequestConfig{RetryAttempts: 2})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusBadGateway || !httpErr.Retryable {
		t.Errorf("Expected retryable 502, got %+v", httpErr)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Get(context.Background(), "devices", "missing", RequestConfig{RetryAttempts: 3})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound || httpErr.Retryable {
		t.Fatalf("Expected non-retryable 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestClient_ExtraRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, okBody)
	}, WithRetryableStatus(http.StatusTooManyRequests))

	if _, err := client.Get(context.Background(), "devices", "list", RequestConfig{}); err != nil {
		t.Fatalf("Expected 429 to be retried, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestClient_ApplicationError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code":4001,"message":"device offline","timestamp":1,"requestId":"r-1"}`)
	})

	_, err := client.Get(context.Background(), "devices", "dev-1", RequestConfig{})

	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected ApplicationError, got %v", err)
	}
	if appErr.Code != 4001 || appErr.Message != "device offline" || appErr.RequestID != "r-1" {
		t.Errorf("Unexpected application error: %+v", appErr)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected application errors not to be retried, got %d calls", calls.Load())
	}
}

func TestClient_AttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	_, err := client.Get(context.Background(), "devices", "slow", RequestConfig{
		Timeout:       20 * time.Millisecond,
		RetryAttempts: 1,
	})

	if !IsTimeout(err) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if IsCanceled(err) {
		t.Error("Timeout must not be reported as canceled")
	}
	if calls.Load() != 2 {
		t.Errorf("Expected timeout to be retried once, got %d calls", calls.Load())
	}
}

func TestClient_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(started)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Get(ctx, "devices", "slow", RequestConfig{RetryAttempts: 3})
	if !IsCanceled(err) {
		t.Fatalf("Expected canceled error, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("Cancellation must not be reported as a timeout")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected cancellation to stop retries, got %d calls", calls.Load())
	}
}

func TestClient_CancelAll(t *testing.T) {
	started := make(chan struct{}, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	})

	result := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "devices", "slow", RequestConfig{})
		result <- err
	}()

	<-started
	if n := client.CancelAll(); n != 1 {
		t.Errorf("Expected 1 canceled attempt, got %d", n)
	}
	select {
	case err := <-result:
		if !IsCanceled(err) {
			t.Errorf("Expected canceled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return after CancelAll")
	}
}

func TestClient_Headers(t *testing.T) {
	var mu sync.Mutex
	var seen []http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Clone())
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, okBody)
	}, WithCredentials(StaticToken("secret")))

	if _, err := client.Get(context.Background(), "devices", "list", RequestConfig{}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(seen))
	}
	id := seen[0].Get("X-Request-ID")
	if id == "" || seen[1].Get("X-Request-ID") != id {
		t.Errorf("Expected one request id across attempts, got %q and %q", id, seen[1].Get("X-Request-ID"))
	}
	if seen[0].Get("X-Attempt") != "1" || seen[1].Get("X-Attempt") != "2" {
		t.Errorf("Expected X-Attempt 1 then 2, got %q and %q", seen[0].Get("X-Attempt"), seen[1].Get("X-Attempt"))
	}
	if seen[0].Get("Authorization") != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", seen[0].Get("Authorization"))
	}
	if seen[0].Get("X-Client-Version") != ClientVersion {
		t.Errorf("Expected client version %s, got %q", ClientVersion, seen[0].Get("X-Client-Version"))
	}
	if seen[0].Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", seen[0].Get("Content-Type"))
	}
}

func TestClient_NoTokenNoAuthorization(t *testing.T) {
	var auth atomic.Value
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, okBody)
	}, WithCredentials(CredentialFunc(func() (string, bool) { return "", false })))

	client.Get(context.Background(), "devices", "list", RequestConfig{})
	if got := auth.Load(); got != "" {
		t.Errorf("Expected no Authorization header, got %q", got)
	}
}

func TestClient_InterceptorOrder(t *testing.T) {
	var order []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "ab" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, okBody)
	},
		WithRequestInterceptor(func(req *Request) error {
			order = append(order, "a")
			req.Header.Set("X-Trace", "a")
			return nil
		}),
		WithRequestInterceptor(func(req *Request) error {
			order = append(order, "b")
			req.Header.Set("X-Trace", req.Header.Get("X-Trace")+"b")
			return nil
		}),
		WithResponseInterceptor(func(resp *Response) error {
			order = append(order, "resp")
			return nil
		}),
	)

	if _, err := client.Get(context.Background(), "devices", "list", RequestConfig{}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "resp" {
		t.Errorf("Expected [a b resp], got %v", order)
	}
}

func TestClient_CachedGet(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, okBody)
	})

	cfg := RequestConfig{Cache: true, Params: map[string]any{"page": 1, "filter": nil}}
	first, err := client.Get(context.Background(), "devices", "list", cfg)
	if err != nil || first.Cached {
		t.Fatalf("Expected fresh response, got %+v (err %v)", first, err)
	}
	second, err := client.Get(context.Background(), "devices", "list", cfg)
	if err != nil || !second.Cached {
		t.Fatalf("Expected cached response, got %+v (err %v)", second, err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 network call, got %d", calls.Load())
	}

	if n := client.ClearServiceCache("devices"); n != 1 {
		t.Errorf("Expected 1 cleared entry, got %d", n)
	}
	client.Get(context.Background(), "devices", "list", cfg)
	if calls.Load() != 2 {
		t.Errorf("Expected network call after clearing, got %d calls", calls.Load())
	}
}

func TestClient_PostNotCached(t *testing.T) {
	var calls atomic.Int32
	var body atomic.Value
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		buf, _ := io.ReadAll(r.Body)
		body.Store(string(buf))
		fmt.Fprint(w, okBody)
	})

	payload := map[string]string{"name": "sensor"}
	client.Post(context.Background(), "devices", "create", payload, RequestConfig{Cache: true})
	client.Post(context.Background(), "devices", "create", payload, RequestConfig{Cache: true})

	if calls.Load() != 2 {
		t.Errorf("Expected POST to bypass the cache, got %d calls", calls.Load())
	}
	if body.Load() != `{"name":"sensor"}` {
		t.Errorf("Unexpected body %v", body.Load())
	}
}

func TestClient_Deduplicate(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, okBody)
	})

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Get(context.Background(), "devices", "list", RequestConfig{Deduplicate: true})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected exactly 1 network call, got %d", calls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
	}
	if results[0] != results[1] {
		t.Error("Expected both callers to receive the same response")
	}
}

func TestClient_DeduplicateSharedFailure(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusForbidden)
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.Get(context.Background(), "devices", "list", RequestConfig{Deduplicate: true})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		var dedupErr *DedupeError
		if !errors.As(err, &dedupErr) {
			t.Errorf("Caller %d: expected DedupeError, got %v", i, err)
			continue
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusForbidden {
			t.Errorf("Caller %d: expected wrapped 403, got %v", i, err)
		}
	}
}

func echoPath(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `{"code":200,"message":"ok","data":{"path":%q},"timestamp":1}`, r.URL.Path+"?"+r.URL.RawQuery)
}

func pathOf(t *testing.T, resp *Response) string {
	t.Helper()
	var data struct {
		Path string `json:"path"`
	}
	if err := resp.Decode(&data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return data.Path
}

func TestClient_Debounce(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		echoPath(w, r)
	}, WithDebounceDelay(30*time.Millisecond))

	var wg sync.WaitGroup
	results := make([]*Response, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Get(context.Background(), "devices", "search", RequestConfig{
				DebounceKey: "search",
				Params:      map[string]any{"q": "pump"},
			})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("Expected 1 network call, got %d", calls.Load())
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("Caller %d: expected shared result, got %v", i, err)
			continue
		}
		if got := pathOf(t, results[i]); got != "/api/devices/search?q=pump" {
			t.Errorf("Caller %d: unexpected path %s", i, got)
		}
	}
}

func TestClient_DebounceKeepsDifferentRequestsApart(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		echoPath(w, r)
	}, WithDebounceDelay(30*time.Millisecond))

	requests := []struct {
		endpoint string
		params   map[string]any
		want     string
	}{
		{"list", nil, "/api/devices/list?"},
		{"alerts", nil, "/api/devices/alerts?"},
		{"search", map[string]any{"q": 1}, "/api/devices/search?q=1"},
		{"search", map[string]any{"q": 2}, "/api/devices/search?q=2"},
	}

	var wg sync.WaitGroup
	results := make([]*Response, len(requests))
	errs := make([]error, len(requests))
	for i, req := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Get(context.Background(), "devices", req.endpoint, RequestConfig{
				DebounceKey: "dash",
				Params:      req.params,
			})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if calls.Load() != int32(len(requests)) {
		t.Errorf("Expected %d network calls, got %d", len(requests), calls.Load())
	}
	for i, req := range requests {
		if errs[i] != nil {
			t.Errorf("Request %d failed: %v", i, errs[i])
			continue
		}
		if got := pathOf(t, results[i]); got != req.want {
			t.Errorf("Request %d: expected %s, got %s", i, req.want, got)
		}
	}
}

func TestClient_DebounceLastCallerCancel(t *testing.T) {
	client := newTestClient(t, echoPath, WithDebounceDelay(40*time.Millisecond))

	firstErr := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "devices", "list", RequestConfig{DebounceKey: "dash"})
		firstErr <- err
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	lastErr := make(chan error, 1)
	go func() {
		_, err := client.Get(ctx, "devices", "list", RequestConfig{DebounceKey: "dash"})
		lastErr <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	if err := <-lastErr; !IsCanceled(err) {
		t.Errorf("Expected the canceled caller to get ErrCanceled, got %v", err)
	}
	if err := <-firstErr; err != nil {
		t.Errorf("Expected the other caller to succeed, got %v", err)
	}
}

func TestClient_DedupeLeaderCancel(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, okBody)
	})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := client.Get(leaderCtx, "devices", "list", RequestConfig{Deduplicate: true})
		leaderErr <- err
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "devices", "list", RequestConfig{Deduplicate: true})
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !IsCanceled(err) {
		t.Errorf("Expected the leader to get ErrCanceled, got %v", err)
	}
	close(release)
	if err := <-waiterErr; err != nil {
		t.Errorf("Expected the waiter to succeed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single network call, got %d", calls.Load())
	}
}

func TestClient_CancelAllReachesSharedCall(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "devices", "list", RequestConfig{Deduplicate: true})
		errCh <- err
	}()
	for client.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	client.CancelAll()

	select {
	case err := <-errCh:
		if !IsCanceled(err) {
			t.Errorf("Expected ErrCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shared call was not canceled")
	}
}

func TestClient_InterceptorRunsBeforeCodeCheck(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"legacy","data":{"id":"dev-1"},"timestamp":1}`)
	}, WithResponseInterceptor(func(resp *Response) error {
		if resp.Code == 0 {
			resp.Code = http.StatusOK
		}
		return nil
	}))

	resp, err := client.Get(context.Background(), "devices", "dev-1", RequestConfig{})
	if err != nil {
		t.Fatalf("Expected the interceptor to normalize the code, got %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Errorf("Expected code 200, got %d", resp.Code)
	}
}

func TestClient_CacheHitIsACopy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Source", "gateway")
		fmt.Fprint(w, okBody)
	})
	ctx := context.Background()

	first, err := client.Get(ctx, "devices", "list", RequestConfig{Cache: true})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	first.Data[0] = 'X'
	first.Header.Set("X-Source", "mutated")

	hit, err := client.Get(ctx, "devices", "list", RequestConfig{Cache: true})
	if err != nil || !hit.Cached {
		t.Fatalf("Expected cache hit, got %+v (%v)", hit, err)
	}
	hit.Data[1] = 'Y'
	hit.Header.Set("X-Source", "again")

	again, _ := client.Get(ctx, "devices", "list", RequestConfig{Cache: true})
	if string(again.Data) != `{"id":"dev-1"}` {
		t.Errorf("Cached data was modified: %s", again.Data)
	}
	if got := again.Header.Get("X-Source"); got != "gateway" {
		t.Errorf("Cached header was modified: %s", got)
	}
}

func TestClient_UnknownService(t *testing.T) {
	client := New()
	if _, err := client.Get(context.Background(), "nope", "x", RequestConfig{}); err == nil {
		t.Error("Expected error for unknown service")
	}
}

func TestClient_BuildURL(t *testing.T) {
	client := New(WithServices(map[string]string{"data": "http://hub.test/api/data/"}))

	got, err := client.buildURL("data", "/readings", map[string]any{"limit": 10, "device": "d1", "skip": nil})
	if err != nil {
		t.Fatalf("buildURL failed: %v", err)
	}
	want := "http://hub.test/api/data/readings?device=d1&limit=10"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestClient_RateLimited(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, okBody)
	}, WithRateLimit(1000, 1))

	for i := 0; i < 3; i++ {
		if _, err := client.Get(context.Background(), "devices", "list", RequestConfig{}); err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}
