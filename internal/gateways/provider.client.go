package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
	"github.com/valyala/fasthttp"
)

const (
	DefaultSendPath   = "/api/v1/sms/send"
	DefaultHealthPath = "/health"
	HeaderIdempotency = "Idempotency-Key"
)

// SendRequest is the body posted to the upstream provider.
type SendRequest struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type SendResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status,omitempty"`
}

type Config struct {
	URL                     string
	SendPath                string
	Timeout                 time.Duration
	MaxConns                int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration
}

type Client struct {
	config           Config
	http             *fasthttp.Client
	metrics          *ProviderMetrics
	circuitOpenUntil atomic.Int64
	healthy          atomic.Bool
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("provider url is required")
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if config.SendPath == "" {
		config.SendPath = DefaultSendPath
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 512
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = 30 * time.Second
	}

	c := &Client{
		config: config,
		http: &fasthttp.Client{
			Name:                "sms-dispatch",
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		metrics: NewProviderMetrics(),
		stopCh:  make(chan struct{}),
	}
	c.healthy.Store(true)

	if config.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthChecker()
	}

	logger.Info("provider client initialized", "url", config.URL, "timeout", config.Timeout)
	return c, nil
}

// Send submits one message. On success it returns the provider's reference.
// The message id travels as the upstream idempotency key so a resend of the
// same message can be recognised by providers that support it.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transient(err)
	}
	if wait := c.circuitWait(); wait > 0 {
		return "", &ProviderError{Message: "circuit open", Err: ErrCircuitOpen, RetryAfter: wait}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &ProviderError{Message: err.Error(), Permanent: true, Err: err}
	}

	start := time.Now()
	respBody, err := c.doRequest(ctx, fasthttp.MethodPost, c.config.SendPath, body, map[string]string{
		HeaderIdempotency: req.MessageID,
	})
	latency := time.Since(start)

	if err != nil {
		c.recordFailure(err)
		prom.ProviderLatency(latency.Seconds(), resultLabel(err))
		return "", err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Reference == "" {
		c.metrics.RecordFailure(false)
		prom.ProviderLatency(latency.Seconds(), "bad_response")
		// accepted upstream but unusable: retrying could double send
		return "", &ProviderError{Message: "missing reference in response", Permanent: true, Err: ErrBadResponse}
	}

	c.metrics.RecordSuccess(latency.Milliseconds())
	prom.ProviderLatency(latency.Seconds(), "ok")
	logger.Debug("sms accepted by provider", "message_id", req.MessageID, "reference", resp.Reference, "latency_ms", latency.Milliseconds())
	return resp.Reference, nil
}

// Ping checks the provider's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, fasthttp.MethodGet, DefaultHealthPath, nil, nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, transient(fmt.Errorf("request failed: %w", err))
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, ClassifyHTTPError(status, string(resp.Body()))
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

func (c *Client) recordFailure(err error) {
	fails := c.metrics.RecordFailure(IsTransient(err))
	threshold := c.config.CircuitBreakerThreshold
	if threshold > 0 && IsTransient(err) && fails >= int32(threshold) {
		c.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).UnixNano())
		logger.Warn("provider circuit opened", "consecutive_fails", fails, "timeout", c.config.CircuitBreakerTimeout, "error", err)
	}
}

// circuitWait returns how long sends stay short-circuited, zero when the
// circuit is closed. Once the timeout passes one request is let through; its
// failure re-opens the circuit.
func (c *Client) circuitWait() time.Duration {
	until := c.circuitOpenUntil.Load()
	if until == 0 {
		return 0
	}
	if wait := time.Duration(until - time.Now().UnixNano()); wait > 0 {
		return wait
	}
	c.circuitOpenUntil.CompareAndSwap(until, 0)
	return 0
}

func (c *Client) circuitOpen() bool {
	return c.circuitWait() > 0
}

func (c *Client) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			err := c.Ping(ctx)
			cancel()
			was := c.healthy.Swap(err == nil)
			if was != (err == nil) {
				logger.Info("provider health changed", "healthy", err == nil, "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) Healthy() bool {
	return c.healthy.Load() && !c.circuitOpen()
}

func (c *Client) Stats() ProviderStats {
	state := "HEALTHY"
	switch {
	case c.circuitOpen():
		state = "CIRCUIT_OPEN"
	case !c.healthy.Load():
		state = "UNHEALTHY"
	}
	return ProviderStats{
		URL:              c.config.URL,
		State:            state,
		TotalRequests:    c.metrics.TotalRequests.Load(),
		SuccessfulReqs:   c.metrics.SuccessfulReqs.Load(),
		FailedReqs:       c.metrics.FailedReqs.Load(),
		SuccessRate:      c.metrics.SuccessRate(),
		AvgLatencyMs:     c.metrics.AvgLatencyMs(),
		P95LatencyMs:     c.metrics.P95LatencyMs(),
		ConsecutiveFails: c.metrics.ConsecutiveFails.Load(),
	}
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.http.CloseIdleConnections()
	logger.Info("provider client closed")
	return nil
}

func resultLabel(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}
