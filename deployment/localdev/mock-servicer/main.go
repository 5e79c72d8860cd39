// Command mock-servicer is a local stand-in for a mortgage servicer. It
// speaks both channels the engine knows: a JSON submission API and a
// portal-style login/upload/finalize flow.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type submitRequest struct {
	SubmissionID string `json:"submission_id"`
	Type         string `json:"type"`
	Documents    []struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		Format string `json:"format"`
	} `json:"documents"`
}

var confirmations atomic.Int64

func main() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// API channel.
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Documents) == 0 {
			http.Error(w, `{"error":"no documents in package"}`, http.StatusUnprocessableEntity)
			return
		}
		// Reject packages missing an application, like real intake systems do.
		hasApplication := false
		for _, doc := range req.Documents {
			if doc.Type == "application" {
				hasApplication = true
			}
		}
		if !hasApplication {
			http.Error(w, `{"error":"application form is required"}`, http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, map[string]any{
			"confirmation_id": nextConfirmation(),
			"status":          "received",
		})
	})

	// Portal channel.
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		if r.FormValue("username") != "demo" || r.FormValue("password") != "demo" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"token": fmt.Sprintf("session-%d", rand.Int63())})
	})

	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) || !enforceSession(w, r) {
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/finalize", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) || !enforceSession(w, r) {
			return
		}
		writeJSON(w, map[string]string{"confirmation_id": nextConfirmation()})
	})

	logger := log.New(log.Writer(), "servicer-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func nextConfirmation() string {
	return fmt.Sprintf("MOCK-%06d", confirmations.Add(1))
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func enforceSession(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !strings.HasPrefix(token, "session-") {
		http.Error(w, "session expired", http.StatusUnauthorized)
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
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
