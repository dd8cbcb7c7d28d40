package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/valyala/fasthttp"
)

type LoadTestConfig struct {
	URL               string  `env:"TARGET_URL,default=http://localhost:8080/api/v1/messages"`
	RequestsPerSecond int     `env:"REQUESTS_PER_SECOND,default=2000"`
	DurationSeconds   int     `env:"DURATION_SECONDS,default=30"`
	ConcurrentWorkers int     `env:"CONCURRENT_WORKERS,default=200"`
	SenderID          string  `env:"SENDER_ID,default=ACME"`
	Recipient         string  `env:"RECIPIENT,default=+4915123456789"`
	KeyPrefix         string  `env:"IDEMPOTENCY_KEY_PREFIX,default=send_msg:"`
	ReplayRatio       float64 `env:"REPLAY_RATIO,default=0.1"`
}

type Stats struct {
	created  atomic.Int64
	pending  atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64

	mu            sync.Mutex
	responseTimes []float64
	keys          []string
}

func (s *Stats) addResponseTime(seconds float64) {
	s.mu.Lock()
	s.responseTimes = append(s.responseTimes, seconds)
	s.mu.Unlock()
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.responseTimes))
	copy(out, s.responseTimes)
	return out
}

// nextKey returns a previously used key with probability ratio, so that the
// run also measures replays.
func (s *Stats) nextKey(prefix string, ratio float64, rng *rand.Rand) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) > 0 && rng.Float64() < ratio {
		return s.keys[rng.Intn(len(s.keys))]
	}
	key := prefix + uuid.NewString()
	s.keys = append(s.keys, key)
	return key
}

func (s *Stats) total() int64 {
	return s.created.Load() + s.pending.Load() + s.rejected.Load() + s.failed.Load()
}

func sendRequest(client *fasthttp.Client, config LoadTestConfig, payload []byte, key string, stats *Stats) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(config.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", key)
	req.SetBody(payload)

	start := time.Now()
	err := client.DoTimeout(req, resp, 30*time.Second)
	stats.addResponseTime(time.Since(start).Seconds())
	if err != nil {
		stats.failed.Add(1)
		return
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusCreated:
		stats.created.Add(1)
	case code == fasthttp.StatusAccepted:
		stats.pending.Add(1)
	case code >= 400 && code < 500:
		stats.rejected.Add(1)
	default:
		stats.failed.Add(1)
	}
}

func worker(client *fasthttp.Client, config LoadTestConfig, payload []byte, stats *Stats, jobs <-chan string, wg *sync.WaitGroup) {
	defer wg.Done()
	for key := range jobs {
		sendRequest(client, config, payload, key, stats)
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func main() {
	var config LoadTestConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		panic(err)
	}

	payload, err := json.Marshal(model.MessageCreateRequest{
		SenderID:  config.SenderID,
		Recipient: config.Recipient,
		Text:      "Hello from load test",
	})
	if err != nil {
		panic(err)
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s\n", config.URL)
	fmt.Printf("Total requests: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Replay ratio: %.2f\n", config.ReplayRatio)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{}
	client := &fasthttp.Client{
		MaxConnsPerHost: config.ConcurrentWorkers,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	jobs := make(chan string, config.RequestsPerSecond)
	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(client, config, payload, stats, jobs, &wg)
	}

	startTime := time.Now()
	for i := 0; i < config.DurationSeconds; i++ {
		batchStart := time.Now()
		for j := 0; j < config.RequestsPerSecond; j++ {
			jobs <- stats.nextKey(config.KeyPrefix, config.ReplayRatio, rng)
		}

		fmt.Printf("[%ds] Completed: %d | Created: %d | Processing: %d | Rejected: %d | Errors: %d\n",
			i+1, stats.total(), stats.created.Load(), stats.pending.Load(), stats.rejected.Load(), stats.failed.Load())

		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()
	duration := time.Since(startTime).Seconds()

	times := stats.getResponseTimes()
	sort.Float64s(times)
	var avg float64
	for _, t := range times {
		avg += t
	}
	if len(times) > 0 {
		avg /= float64(len(times))
	}

	total := stats.total()
	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Created (201): %d\n", stats.created.Load())
	fmt.Printf("Processing (202): %d\n", stats.pending.Load())
	fmt.Printf("Rejected (4xx): %d\n", stats.rejected.Load())
	fmt.Printf("Errors: %d\n", stats.failed.Load())
	fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)
	fmt.Printf("\nResponse times:\n")
	fmt.Printf("  Average: %.2f ms\n", avg*1000)
	fmt.Printf("  P50: %.2f ms\n", percentile(times, 0.50)*1000)
	fmt.Printf("  P95: %.2f ms\n", percentile(times, 0.95)*1000)
	fmt.Printf("  P99: %.2f ms\n", percentile(times, 0.99)*1000)
	if len(times) > 0 {
		fmt.Printf("  Min: %.2f ms\n", times[0]*1000)
		fmt.Printf("  Max: %.2f ms\n", times[len(times)-1]*1000)
	}
}
