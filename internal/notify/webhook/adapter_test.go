package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

// capture records every request a test server receives.
type capture struct {
	mu       sync.Mutex
	requests []capturedRequest
}

type capturedRequest struct {
	Header http.Header
	Body   []byte
}

func (c *capture) add(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{Header: r.Header.Clone(), Body: body})
	c.mu.Unlock()
}

func (c *capture) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a := New(zap.NewNop())
	a.sleep = func(context.Context, time.Duration) error { return nil }
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a
}

func hookRecipient(id, url string) notify.Recipient {
	r := notify.Recipient{ID: id, Type: "user", Addresses: map[notify.Channel][]string{}}
	if url != "" {
		r.Addresses[notify.ChannelWebhook] = []string{url}
	}
	return r
}

func TestSendSuccess(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: srv.URL})

	opts := &notify.SendOptions{NotificationID: "n-1"}
	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Title: "hi", Body: "there"}, nil, opts)
	if !res.Success {
		t.Fatalf("Send failed: %s %s", res.ErrorCode, res.ErrorMessage)
	}
	if res.Details["http_status"] != 200 {
		t.Errorf("http_status = %v, want 200", res.Details["http_status"])
	}

	reqs := cap.all()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	if got := reqs[0].Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := reqs[0].Header.Get("X-Notification-ID"); got != "n-1" {
		t.Errorf("X-Notification-ID = %q, want n-1", got)
	}

	var env map[string]any
	if err := json.Unmarshal(reqs[0].Body, &env); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	notification, _ := env["notification"].(map[string]any)
	if notification["id"] != "n-1" || notification["body"] != "there" {
		t.Errorf("unexpected notification payload: %v", notification)
	}
}

func TestSendMissingURL(t *testing.T) {
	a := newTestAdapter(t, Config{}) // no default URL

	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, nil)
	if res.Success {
		t.Fatal("expected failure without a target URL")
	}
	if res.ErrorCode != notify.CodeWebhookURLMissing {
		t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, notify.CodeWebhookURLMissing)
	}
}

func TestSendRecipientURLOverridesDefault(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: "http://127.0.0.1:1/unreachable"})

	res := a.Send(context.Background(), hookRecipient("u1", srv.URL), notify.Content{Body: "hi"}, nil, nil)
	if !res.Success {
		t.Fatalf("Send failed: %s", res.ErrorMessage)
	}
	if len(cap.all()) != 1 {
		t.Error("recipient URL was not used")
	}
}

func TestRetryOn5xxBounded(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: srv.URL, MaxRetries: 3, RetryBaseInterval: 10 * time.Millisecond})
	var waits []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, nil)
	if res.Success {
		t.Fatal("expected failure after retries exhausted")
	}
	if res.ErrorCode != notify.HTTPErrorCode(500) {
		t.Errorf("ErrorCode = %q, want HTTP_ERROR_500", res.ErrorCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 4 { // 1 initial + 3 retries
		t.Errorf("server saw %d attempts, want 4", attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("recorded %d backoff waits, want %d", len(waits), len(want))
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: srv.URL, MaxRetries: 5})

	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, nil)
	if !res.Success {
		t.Fatalf("Send failed: %s", res.ErrorMessage)
	}
	if res.Details["attempts"] != 3 {
		t.Errorf("attempts = %v, want 3", res.Details["attempts"])
	}
}

func TestNonRetryableStatusIsTerminal(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: srv.URL, MaxRetries: 5})

	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, nil)
	if res.Success {
		t.Fatal("expected failure on 404")
	}
	if res.ErrorCode != notify.HTTPErrorCode(404) {
		t.Errorf("ErrorCode = %q, want HTTP_ERROR_404", res.ErrorCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("server saw %d attempts for a terminal status, want 1", attempts)
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{429, true},
		{408, true},
		{400, false},
		{401, false},
		{404, false},
		{410, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSignatureHeader(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{
		DefaultURL:      srv.URL,
		SigningSecret:   "hunter2",
		SignatureHeader: "X-Signature",
	})

	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, nil)
	if !res.Success {
		t.Fatalf("Send failed: %s", res.ErrorMessage)
	}

	reqs := cap.all()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}

	// default algorithm is sha256 over the JSON body as sent
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(reqs[0].Body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got := reqs[0].Header.Get("X-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
}

func TestSendBulkCoalescesSharedTargets(t *testing.T) {
	capA, capB := &capture{}, &capture{}
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capA.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capB.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srvB.Close()

	a := newTestAdapter(t, Config{})

	// three recipients share target A, one hits B, one has no URL
	recipients := []notify.Recipient{
		hookRecipient("u0", srvA.URL),
		hookRecipient("u1", srvB.URL),
		hookRecipient("u2", srvA.URL),
		hookRecipient("u3", ""),
		hookRecipient("u4", srvA.URL),
	}

	opts := &notify.SendOptions{NotificationID: "batch-1"}
	results := a.SendBulk(context.Background(), recipients, notify.Content{Body: "hi"}, nil, opts)

	if len(results) != 5 {
		t.Fatalf("got %d results for 5 recipients", len(results))
	}

	// group A went out as one batched request, B as a singleton
	if got := len(capA.all()); got != 1 {
		t.Fatalf("target A received %d requests, want 1 coalesced batch", got)
	}
	if got := len(capB.all()); got != 1 {
		t.Errorf("target B received %d requests, want 1", got)
	}

	batchReq := capA.all()[0]
	if batchReq.Header.Get("X-Batch-ID") == "" {
		t.Error("coalesced request must carry X-Batch-ID")
	}

	var env map[string]any
	if err := json.Unmarshal(batchReq.Body, &env); err != nil {
		t.Fatalf("batch payload is not valid JSON: %v", err)
	}
	if env["batch"] != true {
		t.Error("batch payload must set batch=true")
	}
	if env["batchSize"] != float64(3) {
		t.Errorf("batchSize = %v, want 3", env["batchSize"])
	}

	// every group member gets the shared outcome under its own derived ID
	for _, i := range []int{0, 2, 4} {
		if !results[i].Success {
			t.Errorf("result[%d] failed: %s", i, results[i].ErrorMessage)
		}
		want := fmt.Sprintf("batch-1-%d", i)
		if results[i].NotificationID != want {
			t.Errorf("result[%d].NotificationID = %q, want %q", i, results[i].NotificationID, want)
		}
		if results[i].Details["batch_id"] == nil {
			t.Errorf("result[%d] missing batch_id detail", i)
		}
	}
	if !results[1].Success {
		t.Errorf("singleton result failed: %s", results[1].ErrorMessage)
	}
	if results[3].Success || results[3].ErrorCode != notify.CodeWebhookURLMissing {
		t.Errorf("result[3] = %+v, want WEBHOOK_URL_MISSING failure", results[3])
	}
}

func TestSendBulkSharedFailureFansOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{})

	recipients := []notify.Recipient{
		hookRecipient("u0", srv.URL),
		hookRecipient("u1", srv.URL),
	}
	results := a.SendBulk(context.Background(), recipients, notify.Content{Body: "hi"}, nil, nil)

	for i, res := range results {
		if res.Success {
			t.Errorf("result[%d] succeeded, want shared failure", i)
		}
		if res.ErrorCode != notify.HTTPErrorCode(400) {
			t.Errorf("result[%d].ErrorCode = %q, want HTTP_ERROR_400", i, res.ErrorCode)
		}
	}
}

func TestStatusIsInferred(t *testing.T) {
	a := newTestAdapter(t, Config{DefaultURL: "http://example.test"})

	info := a.Status(context.Background(), "n-1")
	if info.Status != notify.StatusDelivered {
		t.Errorf("Status = %q, want %q", info.Status, notify.StatusDelivered)
	}
	if inferred, _ := info.Details["inferred"].(bool); !inferred {
		t.Error("webhook status must be marked inferred")
	}
}

func TestCancelNotSupported(t *testing.T) {
	a := newTestAdapter(t, Config{DefaultURL: "http://example.test"})
	if a.Cancel(context.Background(), "n-1") {
		t.Error("Cancel must report false for webhook")
	}
}

func TestFormWireFormat(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.add(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, Config{DefaultURL: srv.URL, WireFormat: FormatForm})

	opts := &notify.SendOptions{NotificationID: "n-1"}
	res := a.Send(context.Background(), hookRecipient("u1", ""), notify.Content{Body: "hi"}, nil, opts)
	if !res.Success {
		t.Fatalf("Send failed: %s", res.ErrorMessage)
	}

	req := cap.all()[0]
	if got := req.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", got)
	}
}
