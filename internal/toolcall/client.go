package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const maxErrorBody = 512

type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
	tracer     trace.Tracer
	breakers   *Breakers
}

type Option func(*Client)

// WithPath overrides the endpoint path, "/tool-prompt" by default.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithBreakers routes every call through a per-model circuit breaker.
func WithBreakers(b *Breakers) Option {
	return func(c *Client) { c.breakers = b }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		path:       "/tool-prompt",
		httpClient: http.DefaultClient,
		tracer:     noop.NewTracerProvider().Tracer("toolcall"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Send(ctx context.Context, prompt string, expectedToolCalls []string, model string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "toolcall.send")
	defer span.End()
	span.SetAttributes(attribute.String("model", model))

	req := &Request{Prompt: prompt, ExpectedToolCalls: expectedToolCalls, Model: model}

	var (
		res *Result
		err error
	)
	if c.breakers != nil {
		res, err = c.breakers.Execute(model, func() (*Result, error) {
			return c.post(ctx, req)
		})
	} else {
		res, err = c.post(ctx, req)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tool_calls", len(res.ToolCalls)),
		attribute.Float64("run_time_ms", res.RunTimeMs),
		attribute.Float64("cost", res.InputAndOutputCost),
	)
	return res, nil
}

func (c *Client) post(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestFailedError{Model: req.Model, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestFailedError{Model: req.Model, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RequestFailedError{Model: req.Model, Err: err}
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestFailedError{Model: req.Model, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, &RequestFailedError{Model: req.Model, Err: err}
	}
	return &res, nil
}
