package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestQueuePromptSendsGraphAndClientID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Prompt   map[string]any `json:"prompt"`
			ClientID string         `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ClientID != "client-1" {
			t.Fatalf("unexpected client id %q", body.ClientID)
		}
		if _, ok := body.Prompt["3"]; !ok {
			t.Fatalf("graph not forwarded: %v", body.Prompt)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "abc", "number": 1})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/"})
	id, err := client.QueuePrompt(context.Background(), map[string]any{"3": map[string]any{"class_type": "KSampler"}}, "client-1")
	if err != nil {
		t.Fatalf("QueuePrompt returned error: %v", err)
	}
	if id != "abc" {
		t.Fatalf("unexpected prompt id %q", id)
	}
}

func TestQueuePromptRejectionIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"prompt_outputs_failed_validation"}}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.QueuePrompt(context.Background(), map[string]any{}, "")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !statusErr.Rejected() {
		t.Fatal("400 must count as rejection")
	}
}

func TestQueuePromptMissingIDFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if _, err := client.QueuePrompt(context.Background(), map[string]any{}, ""); err == nil {
		t.Fatal("expected error for missing prompt_id")
	}
}

func TestStatusFallsBackToQueue(t *testing.T) {
	cases := []struct {
		name  string
		queue string
		want  StatusKind
	}{
		{"running", `{"queue_running":[[0,"p1",{},{},[]]],"queue_pending":[]}`, StatusExecuting},
		{"pending", `{"queue_running":[],"queue_pending":[[1,"p1",{},{},[]]]}`, StatusQueued},
		{"absent", `{"queue_running":[],"queue_pending":[]}`, StatusNotFound},
		{"garbage", `[1,2,3]`, StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/history/p1":
					_, _ = io.WriteString(w, `{}`)
				case "/queue":
					_, _ = io.WriteString(w, tc.queue)
				default:
					t.Fatalf("unexpected path %s", r.URL.Path)
				}
			}))
			defer server.Close()

			status, err := NewClient(Config{BaseURL: server.URL}).Status(context.Background(), "p1")
			if err != nil {
				t.Fatalf("Status returned error: %v", err)
			}
			if status.Kind != tc.want {
				t.Fatalf("got %s want %s", status.Kind, tc.want)
			}
		})
	}
}

func TestStatusTransportFailureIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := NewClient(Config{BaseURL: server.URL}).Status(context.Background(), "p1"); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestSystemStatsPrimaryGPU(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"system":{"os":"posix"},"devices":[
			{"name":"cpu","type":"cpu","vram_total":0,"vram_free":0},
			{"name":"cuda:0 NVIDIA GeForce RTX 4090","type":"cuda","index":0,"vram_total":25758269440,"vram_free":15020851200}
		]}`)
	}))
	defer server.Close()

	stats, err := NewClient(Config{BaseURL: server.URL}).SystemStats(context.Background())
	if err != nil {
		t.Fatalf("SystemStats returned error: %v", err)
	}
	gpu, ok := stats.PrimaryGPU()
	if !ok {
		t.Fatal("expected GPU device")
	}
	if gpu.Type != "cuda" {
		t.Fatalf("unexpected device %+v", gpu)
	}
	if got := gpu.UsedMB(); got != 10240 {
		t.Fatalf("unexpected used MB %v", got)
	}
}

func TestUploadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" {
			t.Fatalf("unexpected upload body %q", data)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": header.Filename, "subfolder": "", "type": "input"})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "ref.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	uploaded, err := NewClient(Config{BaseURL: server.URL}).UploadImage(context.Background(), path)
	if err != nil {
		t.Fatalf("UploadImage returned error: %v", err)
	}
	if uploaded.Ref() != "ref.png" {
		t.Fatalf("unexpected ref %q", uploaded.Ref())
	}
}

func TestInterrupt(t *testing.T) {
	var called atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/interrupt" {
			called.Store(true)
		}
	}))
	defer server.Close()

	if err := NewClient(Config{BaseURL: server.URL}).Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt returned error: %v", err)
	}
	if !called.Load() {
		t.Fatal("expected interrupt endpoint to be called")
	}
}

func TestQueuePromptNodeErrorsArePromptError(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		nodes []string
		text  string
	}{
		{
			name:  "node errors",
			body:  `{"prompt_id":"","number":0,"error":{"type":"prompt_outputs_failed_validation","message":"Prompt outputs failed validation"},"node_errors":{"9":{"errors":[]},"3":{"errors":[]}}}`,
			nodes: []string{"3", "9"},
			text:  "Prompt outputs failed validation",
		},
		{
			name: "string error",
			body: `{"error":"no_prompt"}`,
			text: "no_prompt",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			client := NewClient(Config{BaseURL: server.URL})
			_, err := client.QueuePrompt(context.Background(), map[string]any{}, "")
			var promptErr *PromptError
			if !errors.As(err, &promptErr) {
				t.Fatalf("expected PromptError, got %v", err)
			}
			if promptErr.Message != tc.text {
				t.Fatalf("unexpected message %q", promptErr.Message)
			}
			if len(promptErr.Nodes) != len(tc.nodes) {
				t.Fatalf("unexpected nodes %v", promptErr.Nodes)
			}
			for i := range tc.nodes {
				if promptErr.Nodes[i] != tc.nodes[i] {
					t.Fatalf("unexpected nodes %v", promptErr.Nodes)
				}
			}
		})
	}
}

func TestQueuePromptEmptyNodeErrorsAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"prompt_id":"abc","number":3,"node_errors":{}}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	id, err := client.QueuePrompt(context.Background(), map[string]any{}, "")
	if err != nil || id != "abc" {
		t.Fatalf("expected prompt abc, got %q, %v", id, err)
	}
}
