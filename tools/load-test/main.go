package main

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	// Configuration
	// The agent's localhost API; every request lands in the durable queue.
	url := "http://localhost:8090/api/v1/checkins"
	contentType := "application/json"

	numCheckIns := 5000
	concurrency := 50 // Number of concurrent requests to avoid local port exhaustion

	fmt.Printf("Starting load test: %d check-ins to %s with concurrency %d\n", numCheckIns, url, concurrency)

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency) // Semaphore to limit concurrency

	var successCount int64
	var failCount int64

	startTime := time.Now()

	for i := 0; i < numCheckIns; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire token

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release token

			payload := []byte(fmt.Sprintf(`{"status": "safe", "message": "load-test-%d"}`, n))

			resp, err := http.Post(url, contentType, bytes.NewBuffer(payload))
			if err != nil {
				atomic.AddInt64(&failCount, 1)
				return
			}

			// 202 Accepted means the signal is durably queued.
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				atomic.AddInt64(&successCount, 1)
			} else {
				atomic.AddInt64(&failCount, 1)
			}
			resp.Body.Close()
		}(i)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Println("\n--- Load Test Results ---")
	fmt.Printf("Total Duration: %v\n", duration)
	fmt.Printf("Total Requests: %d\n", numCheckIns)
	fmt.Printf("Queued:         %d\n", successCount)
	fmt.Printf("Failed:         %d\n", failCount)
	fmt.Printf("Requests/Sec:   %.2f\n", float64(numCheckIns)/duration.Seconds())
}
