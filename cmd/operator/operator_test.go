package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gateway "github.com/nimasrn/sms-dispatch/internal/gateways"
	"github.com/nimasrn/sms-dispatch/internal/reconciler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiptSink struct {
	mu       sync.Mutex
	payloads []reconciler.Payload
	valid    []bool
	secret   []byte
	// statuses answered to the first requests, then 200
	answers []int
}

func (s *receiptSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var p reconciler.Payload
	_ = json.Unmarshal(body, &p)

	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.valid = append(s.valid, r.Header.Get(reconciler.SignatureHeader) == reconciler.Sign(s.secret, body))
	status := http.StatusOK
	if len(s.answers) > 0 {
		status, s.answers = s.answers[0], s.answers[1:]
	}
	s.mu.Unlock()
	w.WriteHeader(status)
}

func (s *receiptSink) snapshot() ([]reconciler.Payload, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconciler.Payload(nil), s.payloads...), append([]bool(nil), s.valid...)
}

func send(t *testing.T, router http.Handler, key string, req gateway.SendRequest) (*httptest.ResponseRecorder, gateway.SendResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/sms/send", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if key != "" {
		r.Header.Set(gateway.HeaderIdempotency, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	var resp gateway.SendResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestMockOperator_SendPostsSignedReceipt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("s3cret")
	sink := &receiptSink{secret: secret}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	op := NewMockOperator(srv.URL, secret, 10*time.Millisecond, 1)
	router := SetupRouter(op)

	w, resp := send(t, router, "msg-1", gateway.SendRequest{MessageID: "msg-1", SenderID: "ACME", Recipient: "+15550001111", Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, resp.Reference)

	op.Wait()

	payloads, valid := sink.snapshot()
	require.Len(t, payloads, 2)
	assert.Equal(t, ReceiptEnroute, payloads[0].Status)
	assert.Equal(t, ReceiptDelivered, payloads[1].Status)
	assert.Equal(t, resp.Reference, payloads[1].ProviderReference)
	assert.Equal(t, []bool{true, true}, valid)
}

func TestMockOperator_ReplayedKeyKeepsReference(t *testing.T) {
	gin.SetMode(gin.TestMode)
	op := NewMockOperator("", nil, 0, 1)
	router := SetupRouter(op)

	req := gateway.SendRequest{MessageID: "msg-2", Recipient: "+15550001111", Text: "hi"}
	_, first := send(t, router, "msg-2", req)
	_, second := send(t, router, "msg-2", req)
	_, other := send(t, router, "msg-3", req)

	assert.Equal(t, first.Reference, second.Reference)
	assert.NotEqual(t, first.Reference, other.Reference)
}

func TestMockOperator_RejectsIncompleteRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := SetupRouter(NewMockOperator("", nil, 0, 1))

	w, _ := send(t, router, "k", gateway.SendRequest{MessageID: "m"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMockOperator_UndeliveredAtZeroRate(t *testing.T) {
	op := NewMockOperator("", nil, 0, 0)
	assert.Equal(t, ReceiptUndelivered, op.finalStatus())
}

func TestMockOperator_PostReceiptRetries(t *testing.T) {
	tests := []struct {
		name    string
		answers []int
		calls   int
		wantErr bool
	}{
		{"unknown reference", []int{http.StatusNotFound}, 2, false},
		{"gateway error", []int{http.StatusServiceUnavailable, http.StatusBadGateway}, 3, false},
		{"bad signature is final", []int{http.StatusUnauthorized}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := []byte("s3cret")
			sink := &receiptSink{secret: secret, answers: tt.answers}
			srv := httptest.NewServer(sink)
			defer srv.Close()

			op := NewMockOperator(srv.URL, secret, 0, 1)
			err := op.postReceipt(context.Background(), reconciler.Payload{ProviderReference: "ref-1", Status: ReceiptDelivered})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			payloads, _ := sink.snapshot()
			assert.Len(t, payloads, tt.calls)
		})
	}
}
