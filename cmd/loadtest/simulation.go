package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"docsync/internal/models"
)

// Scenario is an editing pattern.
type Scenario struct {
	Name              string
	InsertProbability float64
	BurstProbability  float64
	CursorProbability float64
	ThinkTime         time.Duration
	BurstSize         int
}

var scenarios = map[string]Scenario{
	"normal": {
		Name:              "Normal Typing",
		InsertProbability: 0.8,
		BurstProbability:  0.1,
		CursorProbability: 0.3,
		ThinkTime:         100 * time.Millisecond,
		BurstSize:         5,
	},
	"aggressive": {
		Name:              "Aggressive Editing",
		InsertProbability: 0.7,
		BurstProbability:  0.3,
		CursorProbability: 0.5,
		ThinkTime:         50 * time.Millisecond,
		BurstSize:         10,
	},
	"code": {
		Name:              "Code Writing",
		InsertProbability: 0.9,
		BurstProbability:  0.4,
		CursorProbability: 0.2,
		ThinkTime:         200 * time.Millisecond,
		BurstSize:         20,
	},
	"review": {
		Name:              "Document Review",
		InsertProbability: 0.3,
		BurstProbability:  0.1,
		CursorProbability: 0.8,
		ThinkTime:         500 * time.Millisecond,
		BurstSize:         3,
	},
}

// Plan is one stage of a staged load test.
type Plan struct {
	Name     string
	Users    int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var plans = []Plan{
	{Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
	{Name: "Medium Load", Users: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
	{Name: "Heavy Load", Users: 50, Duration: 3 * time.Minute, Scenario: "code", RampUp: 30 * time.Second},
	{Name: "Stress Test", Users: 100, Duration: 5 * time.Minute, Scenario: "aggressive", RampUp: time.Minute},
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,!?\n"

// generateDelta produces a single-character insert or delete at a random
// position in a document of docLen characters.
func generateDelta(s Scenario, docLen int, rng *rand.Rand) []models.DeltaOp {
	var ops []models.DeltaOp
	if docLen == 0 || rng.Float64() < s.InsertProbability {
		pos := rng.Intn(docLen + 1)
		if pos > 0 {
			ops = append(ops, models.DeltaOp{Retain: intPtr(pos)})
		}
		ch := string(alphabet[rng.Intn(len(alphabet))])
		raw, _ := json.Marshal(ch)
		return append(ops, models.DeltaOp{Insert: raw})
	}

	pos := rng.Intn(docLen)
	if pos > 0 {
		ops = append(ops, models.DeltaOp{Retain: intPtr(pos)})
	}
	return append(ops, models.DeltaOp{Delete: intPtr(1)})
}

// deltaLength is the net change in document length a delta causes. Embeds
// count as one character.
func deltaLength(ops []models.DeltaOp) int {
	n := 0
	for _, op := range ops {
		switch {
		case len(op.Insert) > 0:
			var s string
			if json.Unmarshal(op.Insert, &s) == nil {
				n += utf8.RuneCountInString(s)
			} else {
				n++
			}
		case op.Delete != nil:
			n -= *op.Delete
		}
	}
	return n
}

func intPtr(n int) *int { return &n }

// Stats aggregates counters across all simulated clients.
type Stats struct {
	Sent      atomic.Int64
	Received  atomic.Int64
	Presence  atomic.Int64
	Errors    atomic.Int64
	Connected atomic.Int64

	start time.Time

	mu        sync.Mutex
	latencies []time.Duration
	codes     map[string]int
}

func newStats() *Stats {
	return &Stats{start: time.Now(), codes: make(map[string]int)}
}

// RecordLatency stores one request round trip.
func (s *Stats) RecordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

// RecordError counts a server error reply by code.
func (s *Stats) RecordError(code string) {
	s.Errors.Add(1)
	s.mu.Lock()
	s.codes[code]++
	s.mu.Unlock()
}

// Percentile returns the p-th latency percentile, 0 < p <= 100.
func (s *Stats) Percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := append([]time.Duration(nil), s.latencies...)
	s.mu.Unlock()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p/100+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Config holds one simulation run's settings.
type Config struct {
	ServerURL       string
	DocumentID      string
	Users           int
	Duration        time.Duration
	Scenario        string
	RampUp          time.Duration
	MetricsInterval time.Duration
	Identity        func(n int) (userID, token string, err error)
}

// Run ramps up simulated editors on one document, lets them edit, checks
// presence against the REST endpoint and prints a report.
func Run(cfg Config, log logrus.FieldLogger) (*Stats, error) {
	scenario, ok := scenarios[cfg.Scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
	log.WithFields(logrus.Fields{
		"users":    cfg.Users,
		"scenario": scenario.Name,
		"document": cfg.DocumentID,
	}).Info("starting simulation")

	stats := newStats()
	stopReport := make(chan struct{})
	go report(stats, cfg.MetricsInterval, stopReport, log)

	clients := make([]*simClient, 0, cfg.Users)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	interval := time.Duration(0)
	if cfg.Users > 0 && cfg.RampUp > 0 {
		interval = cfg.RampUp / time.Duration(cfg.Users)
	}

	for i := 0; i < cfg.Users; i++ {
		userID, token, err := cfg.Identity(i)
		if err != nil {
			close(stopReport)
			return nil, err
		}
		c := newSimClient(userID, stats, log)

		wg.Add(1)
		go func(c *simClient, seed int64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithField("user_id", c.UserID).Errorf("client panicked: %v", r)
				}
			}()

			var err error
			for attempt := 1; attempt <= 3; attempt++ {
				if err = c.Connect(cfg.ServerURL, token); err == nil {
					break
				}
				log.WithError(err).WithFields(logrus.Fields{"user_id": c.UserID, "attempt": attempt}).Warn("connect failed")
				time.Sleep(time.Second)
			}
			if err != nil {
				stats.Errors.Add(1)
				return
			}
			if err := c.Open(cfg.DocumentID); err != nil {
				log.WithError(err).WithField("user_id", c.UserID).Warn("open document failed")
				stats.Errors.Add(1)
				c.Close()
				return
			}

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			c.Simulate(cfg.DocumentID, scenario, cfg.Duration, rand.New(rand.NewSource(seed)))
		}(c, time.Now().UnixNano()+int64(i))

		if interval > 0 {
			time.Sleep(interval)
		}
	}

	wg.Wait()
	close(stopReport)

	mu.Lock()
	live := 0
	for _, c := range clients {
		if !c.closed() {
			live++
		}
	}
	mu.Unlock()

	if len(clients) > 0 {
		_, token, err := cfg.Identity(0)
		if err == nil {
			checker := NewPresenceChecker(cfg.ServerURL, cfg.DocumentID, token)
			if ok, got, err := checker.Check(live); err != nil {
				log.WithError(err).Warn("presence check failed")
			} else if !ok {
				log.WithFields(logrus.Fields{"expected": live, "reported": got}).Warn("presence mismatch")
			} else {
				log.WithField("participants", got).Info("presence consistent")
			}
		}
	}

	for _, c := range clients {
		c.Close()
	}

	printReport(stats)
	return stats, nil
}

func report(stats *Stats, interval time.Duration, stop <-chan struct{}, log logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed := time.Since(stats.start)
			sent := stats.Sent.Load()
			log.WithFields(logrus.Fields{
				"elapsed":   elapsed.Round(time.Second).String(),
				"connected": stats.Connected.Load(),
				"sent":      sent,
				"received":  stats.Received.Load(),
				"errors":    stats.Errors.Load(),
				"ops_per_s": fmt.Sprintf("%.2f", float64(sent)/elapsed.Seconds()),
			}).Info("progress")
		}
	}
}

func printReport(stats *Stats) {
	elapsed := time.Since(stats.start)
	sent := stats.Sent.Load()

	fmt.Println("\n=== SIMULATION REPORT ===")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Deltas sent: %d\n", sent)
	fmt.Printf("Deltas received: %d\n", stats.Received.Load())
	fmt.Printf("Presence events: %d\n", stats.Presence.Load())
	fmt.Printf("Errors: %d\n", stats.Errors.Load())
	fmt.Printf("Ack latency p50: %v  p95: %v  p99: %v\n",
		stats.Percentile(50), stats.Percentile(95), stats.Percentile(99))
	fmt.Printf("Deltas per second: %.2f\n", float64(sent)/elapsed.Seconds())

	stats.mu.Lock()
	defer stats.mu.Unlock()
	for code, n := range stats.codes {
		fmt.Printf("  %s: %d\n", code, n)
	}
}
