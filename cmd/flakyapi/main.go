// Package main provides a deliberately unreliable upstream for exercising
// the shield. It echoes request details as JSON and can inject failures,
// latency, and arbitrary status codes. A small in-memory charge endpoint
// exists for driving idempotent POSTs end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flakyapi", "service name")
	failureRatio := flag.Float64("failure-ratio", 0, "fraction of requests answered with 500 (0..1)")
	latency := flag.Duration("latency", 0, "artificial delay added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if f := os.Getenv("FAILURE_RATIO"); f != "" {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			*failureRatio = v
		}
	}
	if l := os.Getenv("LATENCY"); l != "" {
		if v, err := time.ParseDuration(l); err == nil {
			*latency = v
		}
	}

	chaos := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if *latency > 0 {
				time.Sleep(*latency)
			}
			if *failureRatio > 0 && rand.Float64() < *failureRatio {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"service": *name,
					"error":   "injected failure",
				})
				return
			}
			next(w, r)
		}
	}

	// /__status/{code} returns an arbitrary HTTP status code. It bypasses
	// failure injection so tests can force exact response sequences.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	charges := &chargeStore{}
	http.HandleFunc("/charges", chaos(charges.handler(*name)))

	http.HandleFunc("/", chaos(echoHandler(*name)))

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (failure_ratio=%.2f latency=%s)", *name, addr, *failureRatio, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func echoHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"service":     service,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

type chargeRecord struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// chargeStore records every POST that actually reaches this process, so a
// test can count how many executions the shield's idempotency layer let
// through.
type chargeStore struct {
	mu      sync.Mutex
	records []chargeRecord
}

func (s *chargeStore) handler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			rec := chargeRecord{
				ID:        uuid.NewString(),
				CreatedAt: time.Now().UTC(),
			}
			if json.Valid(body) {
				rec.Body = json.RawMessage(body)
			}
			s.mu.Lock()
			s.records = append(s.records, rec)
			s.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service":    service,
				"id":         rec.ID,
				"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
			})
		case http.MethodGet:
			s.mu.Lock()
			out := make([]chargeRecord, len(s.records))
			copy(out, s.records)
			s.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": service,
				"count":   len(out),
				"charges": out,
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
