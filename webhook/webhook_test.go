package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackOffDoubles(t *testing.T) {
	b := newBackOff(500 * time.Millisecond)
	want := 500 * time.Millisecond
	for i := 0; i < 12; i++ {
		if have := b.NextBackOff(); have != want {
			t.Fatalf("retry %d: have: %v, want: %v", i+1, have, want)
		}
		want *= 2
	}
}

func TestSign(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cr3t", body)
	if have, want := sig, "sha256=d42927434049e0b8c73ce887062238cc1c6bb6644bfe66e66d8dd0f30b85679e"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !Verify("s3cr3t", body, sig) {
		t.Error("signature did not verify")
	}
	if Verify("other", body, sig) {
		t.Error("signature verified with the wrong secret")
	}
	if Verify("s3cr3t", []byte(`{"a":2}`), sig) {
		t.Error("signature verified with a different body")
	}
}

func TestDeliverHeaders(t *testing.T) {
	for _, test := range []struct {
		name       string
		target     Target
		header     string
		wantHeader string
	}{
		{
			name:       "bearer-value",
			target:     Target{Secret: "s3cr3t", HeaderKey: "authorization", HeaderValue: "tok"},
			header:     "Authorization",
			wantHeader: "Bearer tok",
		},
		{
			name:       "bearer-secret",
			target:     Target{Secret: "s3cr3t", HeaderKey: "Authorization"},
			header:     "Authorization",
			wantHeader: "Bearer s3cr3t",
		},
		{
			name:       "custom",
			target:     Target{HeaderKey: "X-Api-Key", HeaderValue: "k1"},
			header:     "X-Api-Key",
			wantHeader: "k1",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			var got http.Header
			var body []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Clone()
				body, _ = io.ReadAll(r.Body)
			}))
			defer srv.Close()

			target := test.target
			target.URL = srv.URL
			if err := NewDeliverer().Deliver(context.Background(), &target, map[string]int{"a": 1}); err != nil {
				t.Fatal(err)
			}
			if have, want := got.Get(test.header), test.wantHeader; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := got.Get("Content-Type"), "application/json"; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := string(body), `{"a":1}`; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			sig := got.Get(SignatureHeader)
			if target.Secret == "" && sig != "" {
				t.Error("signature sent without a secret")
			}
			if target.Secret != "" && !Verify(target.Secret, body, sig) {
				t.Errorf("invalid signature: %s", sig)
			}
		})
	}
}

func TestDeliverRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	d := NewDeliverer(WithBaseDelay(time.Millisecond))

	err := d.Deliver(context.Background(), &Target{URL: srv.URL, RetryCount: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := atomic.LoadInt32(&calls), int32(3); have != want {
		t.Errorf("calls: have: %v, want: %v", have, want)
	}

	// exhausted retries return the final error
	atomic.StoreInt32(&calls, -10)
	err = d.Deliver(context.Background(), &Target{URL: srv.URL, RetryCount: 1}, nil)
	if !errors.Is(err, ErrStatus) {
		t.Errorf("have: %v, want: %v", err, ErrStatus)
	}
	if have, want := atomic.LoadInt32(&calls), int32(-8); have != want {
		t.Errorf("calls: have: %v, want: %v", have, want)
	}
}

func TestDeliverTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDeliverer(WithBaseDelay(time.Millisecond))
	err := d.Deliver(context.Background(), &Target{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []interface{}
	ctxErrs  []error
	done     chan struct{}
}

func (s *recordingSender) Deliver(ctx context.Context, _ *Target, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.done <- struct{}{}
	return nil
}

func TestDispatcher(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{}, 1)}
	d := NewDispatcher(sender, WithWorkers(1), WithQueueSize(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// a cancelled request context does not cancel delivery
	reqCtx, reqCancel := context.WithCancel(context.Background())
	reqCancel()
	d.Dispatch(reqCtx, &Target{URL: "http://example.invalid"}, "p1")

	select {
	case <-sender.done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery not attempted")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if have, want := len(sender.payloads), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if sender.payloads[0] != "p1" {
		t.Errorf("have: %v, want: %v", sender.payloads[0], "p1")
	}
	if sender.ctxErrs[0] != nil {
		t.Errorf("delivery context cancelled: %v", sender.ctxErrs[0])
	}
}

func TestDispatchFullQueue(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{}, 10)}
	// no workers are running so the queue fills
	d := NewDispatcher(sender, WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), &Target{URL: "http://example.invalid"}, "p1")
		d.Dispatch(context.Background(), &Target{URL: "http://example.invalid"}, "p2")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch blocked")
	}
	if have, want := len(d.queue), 1; have != want {
		t.Errorf("queued: have: %v, want: %v", have, want)
	}
}
