package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
	"github.com/miradorstack/fraud-monitor/internal/repo"
)

type batchRequest struct {
	BatchSize int `json:"batch_size"`
}

type wireTransaction struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
	Status string  `json:"status"`
	Action string  `json:"action"`
}

func main() {
	var (
		addr     string
		failRate float64
		delay    time.Duration
	)
	flag.StringVar(&addr, "addr", ":8090", "Listen address")
	flag.Float64Var(&failRate, "fail-rate", 0, "Fraction of batch requests answered with 503")
	flag.DurationVar(&delay, "delay", 0, "Artificial latency added to every batch response")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/scoring/batch", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BatchSize <= 0 {
			req.BatchSize = 5
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if failRate > 0 && rand.Float64() < failRate {
			http.Error(w, "scoring model unavailable", http.StatusServiceUnavailable)
			return
		}

		resp, err := repo.NewSyntheticSource(req.BatchSize).FetchBatch(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, toWire(resp))
	})

	logger := log.New(log.Writer(), "scorer-mock ", log.LstdFlags|log.Lmicroseconds)
	server := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server exited: %v", err)
	}
}

func toWire(resp models.SourceResponse) map[string]any {
	txns := make([]wireTransaction, 0, len(resp.Transactions))
	for _, txn := range resp.Transactions {
		txns = append(txns, wireTransaction{ID: txn.ID, Amount: txn.Amount, Status: string(txn.Status), Action: string(txn.Action)})
	}
	return map[string]any{
		"split": map[string]int{
			"fraudulent": resp.Split.FraudulentCount,
			"legitimate": resp.Split.LegitimateCount,
		},
		"transactions":     txns,
		"confusion_matrix": resp.Matrix,
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
