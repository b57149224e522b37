package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportReturnsResultOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env rpcEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Fatal(err)
		}
		if env.Method != "ping" {
			t.Fatalf("got method %q, want ping", env.Method)
		}
		result, _ := json.Marshal(map[string]string{"pong": "ok"})
		json.NewEncoder(w).Encode(rpcEnvelope{JSONRPC: "2.0", ID: env.ID, Result: result})
	}))
	defer srv.Close()

	tr := newHTTPTransport()
	raw, err := tr.Call(context.Background(), srv.URL, "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["pong"] != "ok" {
		t.Fatalf("got %+v", got)
	}
}

func TestHTTPTransportSurfacesRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env rpcEnvelope
		json.NewDecoder(r.Body).Decode(&env)
		json.NewEncoder(w).Encode(rpcEnvelope{JSONRPC: "2.0", ID: env.ID, Error: &rpcError{Code: 1, Message: "nope"}})
	}))
	defer srv.Close()

	tr := newHTTPTransport()
	if _, err := tr.Call(context.Background(), srv.URL, "ping", nil); err == nil {
		t.Fatal("expected the remote error to surface")
	}
}

func TestHTTPTransportTreats5xxAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newHTTPTransport()
	_, err := tr.Call(context.Background(), srv.URL, "ping", nil)
	if !IsTransient(err) {
		t.Fatalf("got %v, want a transient error for a 503 response", err)
	}
}

func TestHTTPTransportTreats4xxAsLedgerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := newHTTPTransport()
	_, err := tr.Call(context.Background(), srv.URL, "ping", nil)
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
}
