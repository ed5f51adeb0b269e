package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veribridge/engine/bridge"
	"github.com/veribridge/engine/identity"
	"github.com/veribridge/engine/network"
)

// StressConfig holds configuration for the stress run.
type StressConfig struct {
	Concurrency int
	Requests    int
	Peers       int
	Timeout     time.Duration
}

// StressResult holds the results of a stress run.
type StressResult struct {
	Total      int64
	Decided    int64
	Failed     int64
	Errors     int64
	Duration   time.Duration
	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration
	PerSecond  float64
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== VeriBridge Consensus Stress Test ===")
	fmt.Printf("Concurrency: %d workers\n", cfg.Concurrency)
	fmt.Printf("Requests: %d\n", cfg.Requests)
	fmt.Printf("Simulated peers: %d\n", cfg.Peers)
	fmt.Println()

	result := runStress(cfg)
	printResults(result)
}

func parseFlags() StressConfig {
	cfg := StressConfig{}
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent verification workers")
	flag.IntVar(&cfg.Requests, "requests", 1000, "Total verification requests")
	flag.IntVar(&cfg.Peers, "peers", 4, "Simulated peer count")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Per-verification timeout")
	flag.Parse()
	return cfg
}

func runStress(cfg StressConfig) StressResult {
	loopCfg := network.DefaultLoopbackConfig()
	loopCfg.MinDelay = 100 * time.Microsecond
	loopCfg.MaxDelay = time.Millisecond

	id, err := identity.Generate("tcp://127.0.0.1:5555", 5000)
	if err != nil {
		log.Fatalf("failed to generate identity: %v", err)
	}

	verifyFn := func(payload map[string]interface{}) (bool, error) {
		value, _ := payload["value"].(float64)
		return value < 1000, nil
	}

	br, err := bridge.New(id, verifyFn, network.NewLoopbackTransport(loopCfg), nil)
	if err != nil {
		log.Fatalf("failed to create bridge: %v", err)
	}
	defer br.Shutdown()

	for i := 0; i < cfg.Peers; i++ {
		if _, err := br.AddNode(fmt.Sprintf("tcp://peer%d:5555", i), 1000); err != nil {
			log.Fatalf("failed to add peer: %v", err)
		}
	}

	var (
		total, decided, failed, errs int64
		totalLatency                 int64
		minLatency                   = int64(time.Hour)
		maxLatency                   int64
		latencyMu                    sync.Mutex
	)

	requests := make(chan int, cfg.Requests)
	for i := 0; i < cfg.Requests; i++ {
		requests <- i
	}
	close(requests)

	start := time.Now()
	var wg sync.WaitGroup

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range requests {
				reqStart := time.Now()
				res, err := br.VerifyTimeout(context.Background(),
					map[string]interface{}{"value": float64(i % 2000)}, cfg.Timeout)
				latency := time.Since(reqStart)

				atomic.AddInt64(&total, 1)
				atomic.AddInt64(&totalLatency, int64(latency))

				latencyMu.Lock()
				if int64(latency) < minLatency {
					minLatency = int64(latency)
				}
				if int64(latency) > maxLatency {
					maxLatency = int64(latency)
				}
				latencyMu.Unlock()

				switch {
				case err != nil:
					atomic.AddInt64(&errs, 1)
				case res.Decided():
					atomic.AddInt64(&decided, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	var avg time.Duration
	if total > 0 {
		avg = time.Duration(totalLatency / total)
	}

	return StressResult{
		Total:      total,
		Decided:    decided,
		Failed:     failed,
		Errors:     errs,
		Duration:   elapsed,
		MinLatency: time.Duration(minLatency),
		MaxLatency: time.Duration(maxLatency),
		AvgLatency: avg,
		PerSecond:  float64(total) / elapsed.Seconds(),
	}
}

func printResults(r StressResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Total:       %d\n", r.Total)
	fmt.Printf("Decided:     %d\n", r.Decided)
	fmt.Printf("Failed:      %d\n", r.Failed)
	fmt.Printf("Errors:      %d\n", r.Errors)
	fmt.Printf("Duration:    %v\n", r.Duration)
	fmt.Printf("Latency:     min %v / avg %v / max %v\n", r.MinLatency, r.AvgLatency, r.MaxLatency)
	fmt.Printf("Throughput:  %.1f verifications/sec\n", r.PerSecond)
}
