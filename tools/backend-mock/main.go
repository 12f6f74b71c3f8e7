// A stand-in for the hosted backend during local testing. It accepts the
// write endpoints the sync engine calls, echoes server ids, and can be
// told to fail so retry behavior is observable end to end.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
)

var failRate = flag.Float64("fail-rate", 0, "fraction of write requests answered with 503")

var served int64

func maybeFail(w http.ResponseWriter) bool {
	if *failRate > 0 && rand.Float64() < *failRate {
		http.Error(w, "simulated outage", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func writeHandler(w http.ResponseWriter, r *http.Request) {
	if maybeFail(w) {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	// Echo the client-supplied id back as the record id, matching the
	// backend's idempotent upsert.
	id, _ := body["id"].(string)
	n := atomic.AddInt64(&served, 1)
	log.Printf("Accepted %s %s (id=%s, total=%d)", r.Method, r.URL.Path, id, n)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func patchHandler(w http.ResponseWriter, r *http.Request) {
	if maybeFail(w) {
		return
	}
	if r.Header.Get("Authorization") == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	log.Printf("Accepted %s %s", r.Method, r.URL.Path)
	w.WriteHeader(http.StatusOK)
}

func authHandler(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/verify") {
		json.NewEncoder(w).Encode(map[string]string{
			"accessToken":    "mock-token",
			"userId":         "worker-local",
			"organizationId": "org-local",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func main() {
	flag.Parse()

	http.HandleFunc("/v1/checkins", writeHandler)
	http.HandleFunc("/v1/emergencies", writeHandler)
	http.HandleFunc("/v1/locations", writeHandler)
	http.HandleFunc("/v1/incidents/", patchHandler)
	http.HandleFunc("/v1/users/", patchHandler)
	http.HandleFunc("/v1/auth/", authHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Println("Backend mock server starting on port 8081...")
	log.Fatal(http.ListenAndServe(":8081", nil))
}
