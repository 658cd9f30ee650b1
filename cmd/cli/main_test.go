// Copyright 2026 fanjia1024

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newFakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/catalog/register", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req["content"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok", "catalog_id": "1234", "path": "tests/demo", "version": 1,
		})
	})
	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["path"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok", "execution_id": "5678",
		})
	})
	mux.HandleFunc("/api/queue/size", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"counts": map[string]int{"queued": 2, "done": 5}, "total": 7,
		})
	})
	mux.HandleFunc("/api/executions/5678", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"execution_id": 5678, "status": "completed",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("Usage:")) {
		t.Fatalf("expected usage output, got: %s", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("cli")) {
		t.Fatalf("unexpected version output: %s", stdout.String())
	}
}

func TestRunRegister(t *testing.T) {
	srv := newFakeAPI(t)
	t.Setenv("PLAYBOOK_API_URL", srv.URL)

	file := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(file, []byte("apiVersion: v1\nkind: Playbook\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"register", file}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte("tests/demo")) {
		t.Fatalf("expected register response, got: %s", stdout.String())
	}
}

func TestRunRegisterMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"register", "/no/such/file.yaml"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunExecuteWithPayload(t *testing.T) {
	srv := newFakeAPI(t)
	t.Setenv("PLAYBOOK_API_URL", srv.URL)

	payloadFile := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(payloadFile, []byte(`{"region":"eu"}`), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"execute", "tests/demo", payloadFile}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte("5678")) {
		t.Fatalf("expected execution_id, got: %s", stdout.String())
	}
}

func TestRunExecuteBadPayload(t *testing.T) {
	payloadFile := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(payloadFile, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"execute", "tests/demo", payloadFile}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunQueueSize(t *testing.T) {
	srv := newFakeAPI(t)
	t.Setenv("PLAYBOOK_API_URL", srv.URL)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"queue", "size"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte(`"total": 7`)) {
		t.Fatalf("expected total, got: %s", stdout.String())
	}
	var stdout2 bytes.Buffer
	if code := run([]string{"queue"}, &stdout2, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunStatus(t *testing.T) {
	srv := newFakeAPI(t)
	t.Setenv("PLAYBOOK_API_URL", srv.URL)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"status", "5678"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte("completed")) {
		t.Fatalf("expected status, got: %s", stdout.String())
	}
}
