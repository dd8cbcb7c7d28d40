package helpers

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/internal/reconciler"
	"github.com/nimasrn/sms-dispatch/internal/repository/repotest"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, _ := repotest.NewTestDB(t)
	return db
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.NewFromClient(client, "")
}

// QueueConfig is a dispatch queue tuned for fast tests.
func QueueConfig(name string) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxDeliveries:     5,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

// StartProvider serves handler on a loopback port and returns its base URL.
func StartProvider(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return "http://" + ln.Addr().String()
}

// SignedReceipt builds a delivery receipt body and its signature.
func SignedReceipt(t *testing.T, secret, ref, status string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(reconciler.Payload{ProviderReference: ref, Status: status})
	require.NoError(t, err)
	return body, reconciler.Sign([]byte(secret), body)
}

func HasStatus(msg *model.Message, status model.MessageStatus) bool {
	return msg != nil && msg.Status == status
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
