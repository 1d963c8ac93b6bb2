package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

func TestExecuteRelaysResult(t *testing.T) {
	const body = `{"language":"python","version":"3.10.0","run":{"stdout":"hi\n","stderr":"","output":"hi\n","code":0,"signal":null}}`

	var got pistonRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	defer server.Close()

	c := New(server.URL, time.Second)
	res, err := c.Execute(context.Background(), Request{Language: "python", Code: "print('hi')", Stdin: "x"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res) != body {
		t.Errorf("Result should be relayed unchanged, got %s", res)
	}

	if got.Language != "python" || got.Version != "*" || got.Stdin != "x" {
		t.Errorf("Unexpected request %+v", got)
	}
	if len(got.Files) != 1 || got.Files[0].Content != "print('hi')" {
		t.Errorf("Unexpected files %+v", got.Files)
	}
}

func TestExecuteServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"cobol-* runtime is unknown"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, time.Second).Execute(context.Background(), Request{Language: "cobol"})
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("Expected ServiceError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Body != "cobol-* runtime is unknown" {
		t.Errorf("Unexpected error %+v", se)
	}
}

func TestExecuteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) }},
		{"json array", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("[]")) }},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := New(server.URL, 50*time.Millisecond).Execute(context.Background(), Request{Language: "go"})
			if err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestExecuteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if _, err := New(url, time.Second).Execute(context.Background(), Request{Language: "go"}); err == nil {
		t.Error("Expected transport error")
	}
}

func TestErrorResult(t *testing.T) {
	raw := ErrorResult(errors.New("boom"))

	var res map[string]any
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if res["error"] != "boom" {
		t.Errorf("Expected error boom, got %v", res["error"])
	}
	run, ok := res["run"].(map[string]any)
	if !ok {
		t.Fatalf("Missing run section: %s", raw)
	}
	if run["stdout"] != "" || run["stderr"] != "boom" || run["output"] != "boom" {
		t.Errorf("Unexpected run %v", run)
	}
	if run["code"] != float64(-1) {
		t.Errorf("Expected code -1, got %v", run["code"])
	}
	if v, present := run["signal"]; !present || v != nil {
		t.Errorf("Expected signal null, got %v", v)
	}

	out, ok := protocol.Output(raw)
	if !ok || out != "boom" {
		t.Errorf("Expected output boom, got %q", out)
	}
}
