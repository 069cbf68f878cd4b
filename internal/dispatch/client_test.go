package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatchPayload(t *testing.T) {
	t.Parallel()

	var captured map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("expected an idempotency key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"execution_id": "exec-42"})
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(nil, srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	handle, err := client.Dispatch(context.Background(), Decision{
		NextAgent:     "support-agent",
		Message:       "hello",
		ProfileID:     "p1",
		ChannelType:   "whatsapp",
		ChannelUserID: "u1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if handle.ExecutionID != "exec-42" {
		t.Fatalf("execution id = %q", handle.ExecutionID)
	}

	want := map[string]string{
		"fromagent":    "router-agent",
		"nextagent":    "support-agent",
		"message":      "hello",
		"thread_id":    "p1",
		"channel_type": "whatsapp",
		"from":         "u1",
	}
	for key, value := range want {
		if captured[key] != value {
			t.Errorf("payload[%q] = %q, want %q", key, captured[key], value)
		}
	}
}

func TestDispatchEngineFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(nil, srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Dispatch(context.Background(), Decision{NextAgent: "a"})
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}

func TestDispatchWithoutBodyStillSucceeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(nil, srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	handle, err := client.Dispatch(context.Background(), Decision{NextAgent: "a"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if handle.ExecutionID == "" {
		t.Fatal("expected a synthesized execution id")
	}
}

func TestDispatchRequiresNextAgent(t *testing.T) {
	t.Parallel()

	client, err := NewClient(nil, "http://127.0.0.1:0", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Dispatch(context.Background(), Decision{}); !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}
