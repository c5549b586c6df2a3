package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelfleet/router/internal/registry"
)

func chatBackend(baseURL string) registry.Backend {
	return registry.Backend{ID: "llama@0", Model: "llama", Kind: registry.KindChat, GPU: "0", BaseURL: baseURL}
}

func TestProbeChatSucceedsWhenModelListedAndCompletionOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"llama"}]}`))
		case "/chat/completions":
			w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(2 * time.Second)
	if !p.Probe(context.Background(), chatBackend(srv.URL)) {
		t.Fatal("Probe = false, want true")
	}
}

func TestProbeFailsWhenModelNotListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[{"id":"some-other-model"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(2 * time.Second)
	if p.Probe(context.Background(), chatBackend(srv.URL)) {
		t.Fatal("Probe = true, want false (model not listed)")
	}
}

func TestProbeFailsWhenGenerationEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"llama"}]}`))
		case "/chat/completions":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := New(2 * time.Second)
	if p.Probe(context.Background(), chatBackend(srv.URL)) {
		t.Fatal("Probe = true, want false (completion endpoint failing)")
	}
}

func TestProbeEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"bge"}]}`))
		case "/embeddings":
			w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := registry.Backend{ID: "bge@0", Model: "bge", Kind: registry.KindEmbeddings, GPU: "0", BaseURL: srv.URL}
	p := New(2 * time.Second)
	if !p.Probe(context.Background(), b) {
		t.Fatal("Probe = false, want true")
	}
}

func TestProbeRerankHitsRootNotV1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Write([]byte(`{"data":[{"id":"reranker"}]}`))
		case "/rerank":
			w.Write([]byte(`{"results":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := registry.Backend{ID: "reranker@1", Model: "reranker", Kind: registry.KindRerank, GPU: "1", BaseURL: srv.URL + "/v1"}
	p := New(2 * time.Second)
	if !p.Probe(context.Background(), b) {
		t.Fatal("Probe = false, want true (rerank root stripped of /v1)")
	}
}

func TestWaitUntilHealthySucceedsAfterRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			calls++
			if calls < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"data":[{"id":"llama"}]}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(1 * time.Second)
	ok := p.WaitUntilHealthy(context.Background(), chatBackend(srv.URL), 5*time.Second)
	if !ok {
		t.Fatal("WaitUntilHealthy = false, want true")
	}
}

func TestWaitUntilHealthyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(200 * time.Millisecond)
	ok := p.WaitUntilHealthy(context.Background(), chatBackend(srv.URL), 300*time.Millisecond)
	if ok {
		t.Fatal("WaitUntilHealthy = true, want false (backend never becomes healthy)")
	}
}
