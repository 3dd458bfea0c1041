package inference

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/delta"
	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newClientWithHTTP(ProviderConfig{
		BaseURL:     srv.URL,
		Model:       "test-model",
		BaseBackoff: time.Millisecond,
	}, srv.Client())
}

func intPtr(n int) *int { return &n }

func TestInferMapsStatusCodesToTypedErrors(t *testing.T) {
	cases := map[int]string{
		400: "BadRequest",
		401: "Unauthorized",
		404: "NotFound",
		422: "UnprocessableEntity",
		503: "ServiceUnavailable",
		500: "InternalServer",
	}
	for status, wantName := range cases {
		status, wantName := status, wantName
		t.Run(wantName, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte("boom"))
			})
			_, err := c.Infer(t.Context(), nil, sequencer.ModelInference{MaxRetries: intPtr(0)})
			named, ok := err.(agenterrors.Named)
			if !ok {
				t.Fatalf("expected a Named error, got %v (%T)", err, err)
			}
			if named.Name() != wantName {
				t.Fatalf("got error name %q, want %q", named.Name(), wantName)
			}
		})
	}
}

func TestInferStreamingFusesPartialDeltasInArrivalOrder(t *testing.T) {
	chunks := []string{
		`{"id":"1","choices":[{"delta":{"content":"He"}}]}`,
		`{"id":"1","choices":[{"delta":{"content":"ll"}}]}`,
		`{"id":"1","choices":[{"delta":{"content":"o"},"finish_reason":"stop"}]}`,
	}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var seen []string
	fused, err := c.InferStreaming(t.Context(), nil, sequencer.ModelInference{}, func(p delta.Delta) {
		seen = append(seen, p.Content)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fused.Content != "Hello" {
		t.Fatalf("fused content = %q, want Hello", fused.Content)
	}
	if fused.EndReason != delta.EndReasonStop {
		t.Fatalf("fused end reason = %q, want stop", fused.EndReason)
	}
	wantSeen := []string{"He", "ll", "o"}
	if len(seen) != len(wantSeen) {
		t.Fatalf("saw %v, want %v", seen, wantSeen)
	}
	for i := range wantSeen {
		if seen[i] != wantSeen[i] {
			t.Fatalf("saw %v, want %v", seen, wantSeen)
		}
	}
}

func TestInferRetriesOnRateLimitWithNonDecreasingBackoff(t *testing.T) {
	var calls int32
	var callTimes []time.Time
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		callTimes = append(callTimes, time.Now())
		if n <= 2 {
			w.WriteHeader(429)
			w.Write([]byte("rate limited"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ok","choices":[{"message":{"content":"done"},"finish_reason":"stop"}]}`))
	})

	d, err := c.Infer(t.Context(), nil, sequencer.ModelInference{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Content != "done" {
		t.Fatalf("got content %q, want done", d.Content)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("got %d calls, want 3", calls)
	}
	if len(callTimes) == 3 {
		gap1 := callTimes[1].Sub(callTimes[0])
		gap2 := callTimes[2].Sub(callTimes[1])
		if gap2 < gap1 {
			t.Fatalf("expected non-decreasing backoff, got %v then %v", gap1, gap2)
		}
	}
}
