package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gateway "github.com/nimasrn/sms-dispatch/internal/gateways"
	"github.com/nimasrn/sms-dispatch/internal/reconciler"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// Receipt states the operator reports back. They follow the SMPP short forms.
const (
	ReceiptDelivered   = "DELIVRD"
	ReceiptUndelivered = "UNDELIV"
	ReceiptEnroute     = "ENROUTE"
)

// MockOperator plays the upstream SMS provider for local runs.
type MockOperator struct {
	webhookURL   string
	secret       []byte
	dlrDelay     time.Duration
	deliveryRate float64
	httpClient   *http.Client

	mu   sync.Mutex
	rng  *rand.Rand
	refs map[string]string // idempotency key -> reference

	wg sync.WaitGroup
}

func NewMockOperator(webhookURL string, secret []byte, dlrDelay time.Duration, deliveryRate float64) *MockOperator {
	return &MockOperator{
		webhookURL:   webhookURL,
		secret:       secret,
		dlrDelay:     dlrDelay,
		deliveryRate: deliveryRate,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		refs:         make(map[string]string),
	}
}

// SendSMS accepts a message and answers with a provider reference. A repeated
// Idempotency-Key gets the same reference back and no second receipt.
func (m *MockOperator) SendSMS(c *gin.Context) {
	var req gateway.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.Recipient == "" || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient and text are required"})
		return
	}

	key := c.GetHeader(gateway.HeaderIdempotency)
	ref, fresh := m.reference(key)

	log.Info().
		Str("message_id", req.MessageID).
		Str("recipient", req.Recipient).
		Str("reference", ref).
		Bool("replay", !fresh).
		Msg("sms accepted")

	if fresh {
		m.scheduleReceipt(ref, req.MessageID)
	}

	c.JSON(http.StatusOK, gateway.SendResponse{Reference: ref, Status: "ACCEPTED"})
}

func (m *MockOperator) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"timestamp":     time.Now(),
		"delivery_rate": m.deliveryRate,
	})
}

func (m *MockOperator) reference(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		if ref, ok := m.refs[key]; ok {
			return ref, false
		}
	}
	ref := uuid.NewString()
	if key != "" {
		m.refs[key] = ref
	}
	return ref, true
}

func (m *MockOperator) finalStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng.Float64() < m.deliveryRate {
		return ReceiptDelivered
	}
	return ReceiptUndelivered
}

func (m *MockOperator) scheduleReceipt(ref, messageID string) {
	if m.webhookURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.Background()

		// an interim state first, which the gateway ignores
		_ = m.postReceipt(ctx, reconciler.Payload{ProviderReference: ref, Status: ReceiptEnroute, MessageID: messageID})

		time.Sleep(m.dlrDelay)
		status := m.finalStatus()
		err := m.postReceipt(ctx, reconciler.Payload{ProviderReference: ref, Status: status, MessageID: messageID})
		if err != nil {
			log.Error().Err(err).Str("reference", ref).Msg("receipt delivery failed")
			return
		}
		log.Info().Str("reference", ref).Str("status", status).Msg("receipt delivered")
	}()
}

// postReceipt signs the payload and posts it to the gateway. 5xx and 404
// answers are retried along with network errors.
func (m *MockOperator) postReceipt(ctx context.Context, payload reconciler.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	signature := reconciler.Sign(m.secret, body)

	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(reconciler.SignatureHeader, signature)

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNotFound {
			return retry.RetryableError(fmt.Errorf("gateway answered %d", resp.StatusCode))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("gateway answered %d", resp.StatusCode)
		}
		return nil
	})
}

// Wait blocks until every scheduled receipt has been posted.
func (m *MockOperator) Wait() {
	m.wg.Wait()
}

func SetupRouter(m *MockOperator) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sms/send", m.SendSMS)
	}
	router.GET("/health", m.HealthCheck)

	return router
}
