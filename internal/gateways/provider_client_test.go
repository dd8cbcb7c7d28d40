package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func startProvider(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return "http://" + ln.Addr().String()
}

func newTestClient(t *testing.T, url string, threshold int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:                     url,
		Timeout:                 time.Second,
		CircuitBreakerThreshold: threshold,
		CircuitBreakerTimeout:   time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestProviderMetrics_RecordSuccess(t *testing.T) {
	metrics := NewProviderMetrics()

	metrics.RecordSuccess(100)
	metrics.RecordSuccess(200)

	assert.Equal(t, int64(2), metrics.TotalRequests.Load())
	assert.Equal(t, int64(2), metrics.SuccessfulReqs.Load())
	assert.Equal(t, 1.0, metrics.SuccessRate())
	assert.Equal(t, int64(150), metrics.AvgLatencyMs())
}

func TestProviderMetrics_RecordFailure(t *testing.T) {
	metrics := NewProviderMetrics()

	metrics.RecordSuccess(100)
	assert.Equal(t, int32(1), metrics.RecordFailure(true))
	assert.Equal(t, int32(1), metrics.RecordFailure(false))

	assert.Equal(t, int64(3), metrics.TotalRequests.Load())
	assert.Equal(t, int64(2), metrics.FailedReqs.Load())
	assert.InDelta(t, 0.333, metrics.SuccessRate(), 0.01)
}

func TestProviderMetrics_P95Latency(t *testing.T) {
	metrics := NewProviderMetrics()
	for i := int64(0); i < 100; i++ {
		metrics.RecordSuccess(i * 10)
	}

	p95 := metrics.P95LatencyMs()
	assert.GreaterOrEqual(t, p95, int64(900))
	assert.LessOrEqual(t, p95, int64(990))
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{400, true},
		{401, true},
		{404, true},
		{408, false},
		{422, true},
		{429, false},
		{500, false},
		{503, false},
	}

	for _, tt := range tests {
		err := ClassifyHTTPError(tt.status, "body")
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
		assert.Equal(t, tt.status, err.StatusCode)
	}

	assert.False(t, IsPermanent(errors.New("network down")))
	assert.True(t, IsTransient(errors.New("network down")))
	assert.False(t, IsTransient(nil))
}

func TestNewClient_RequiresURL(t *testing.T) {
	c, err := NewClient(Config{})
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestClient_Send(t *testing.T) {
	var gotKey atomic.Value
	var gotBody atomic.Value

	url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		gotKey.Store(string(ctx.Request.Header.Peek(HeaderIdempotency)))
		gotBody.Store(append([]byte(nil), ctx.PostBody()...))
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetBodyString(`{"reference":"ref-123","status":"accepted"}`)
	})
	c := newTestClient(t, url, 3)

	ref, err := c.Send(context.Background(), SendRequest{
		MessageID: "msg-1",
		SenderID:  "ACME",
		Recipient: "+15551234567",
		Text:      "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-123", ref)
	assert.Equal(t, "msg-1", gotKey.Load())

	var sent SendRequest
	require.NoError(t, json.Unmarshal(gotBody.Load().([]byte), &sent))
	assert.Equal(t, "+15551234567", sent.Recipient)
	assert.Equal(t, "ACME", sent.SenderID)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.SuccessfulReqs)
	assert.Equal(t, "HEALTHY", stats.State)
}

func TestClient_Send_Classification(t *testing.T) {
	t.Run("server error is transient", func(t *testing.T) {
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
		})
		c := newTestClient(t, url, 0)

		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("client error is permanent", func(t *testing.T) {
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("invalid destination")
		})
		c := newTestClient(t, url, 0)

		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Contains(t, err.Error(), "invalid destination")
	})

	t.Run("missing reference is permanent", func(t *testing.T) {
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString(`{}`)
		})
		c := newTestClient(t, url, 0)

		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.ErrorIs(t, err, ErrBadResponse)
	})

	t.Run("unreachable provider is transient", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		c := newTestClient(t, "http://"+addr, 0)
		_, err = c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("cancelled context is transient", func(t *testing.T) {
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetBodyString(`{"reference":"r"}`)
		})
		c := newTestClient(t, url, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Send(ctx, SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})
	c := newTestClient(t, url, 2)

	for i := 0; i < 2; i++ {
		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
	}
	assert.Equal(t, "CIRCUIT_OPEN", c.Stats().State)
	assert.False(t, c.Healthy())

	_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
	wait := RetryAfter(err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	t.Run("half open after timeout", func(t *testing.T) {
		c.circuitOpenUntil.Store(time.Now().Add(-time.Second).UnixNano())
		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, "CIRCUIT_OPEN", c.Stats().State)
	})
}

func TestClient_PermanentFailuresDoNotOpenCircuit(t *testing.T) {
	url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnprocessableEntity)
	})
	c := newTestClient(t, url, 1)

	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), SendRequest{MessageID: "m"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "HEALTHY", c.Stats().State)
}

func TestClient_Ping(t *testing.T) {
	url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == DefaultHealthPath {
			ctx.SetBodyString("ok")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})
	c := newTestClient(t, url, 0)

	assert.NoError(t, c.Ping(context.Background()))
}
