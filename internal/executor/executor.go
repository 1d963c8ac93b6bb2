// Package executor calls a Piston-compatible code execution service.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

const (
	DefaultEndpoint = "https://emkc.org/api/v2/piston/execute"
	DefaultTimeout  = 30 * time.Second

	tracerName      = "github.com/manpreetbhatti/pairpad/internal/executor"
	maxResponseSize = 4 << 20
)

// Request is one execution of the current document
type Request struct {
	Language string
	Version  string
	Code     string
	Stdin    string
}

// ServiceError is returned for non-2xx responses
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("execution service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("execution service returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	endpoint string
	http     *http.Client
	tracer   trace.Tracer
}

func New(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		tracer:   otel.Tracer(tracerName),
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin"`
}

// Execute runs the request and returns the service's result object
// unchanged. The body must be a JSON object; anything else is an error.
func (c *Client) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Version == "" {
		req.Version = protocol.DefaultVersion
	}

	ctx, span := c.tracer.Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pairpad.language", req.Language),
			attribute.String("pairpad.version", req.Version),
			attribute.Int("pairpad.code_bytes", len(req.Code)),
		),
	)
	defer span.End()

	result, err := c.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (c *Client) execute(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(pistonRequest{
		Language: req.Language,
		Version:  req.Version,
		Files:    []pistonFile{{Content: req.Code}},
		Stdin:    req.Stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call execution service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Body: serviceMessage(data)}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return json.RawMessage(data), nil
}

// serviceMessage pulls Piston's {"message": ...} out of an error body
func serviceMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	const max = 200
	s := string(bytes.TrimSpace(data))
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// ErrorResult converts a failure into a result object shaped like a
// successful one, so run.output is always present for clients.
func ErrorResult(err error) json.RawMessage {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	code := -1
	out, _ := json.Marshal(protocol.ExecutionResult{
		Error: msg,
		Run: &protocol.RunResult{
			Stdout: "",
			Stderr: msg,
			Output: msg,
			Code:   &code,
			Signal: nil,
		},
	})
	return out
}
