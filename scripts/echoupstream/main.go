// Echoupstream is a development upstream for trying out the proxy. It answers
// every request with a JSON description of what it received, which makes
// header overrides and Host handling visible.
//
// Usage:
//
//	go run ./scripts/echoupstream -port 8081
//	fwdproxy --from localhost:8080 --to localhost:8081 --host example.com
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Echo is the response body.
type Echo struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Proto   string              `json:"proto"`
	Host    string              `json:"host"`
	From    string              `json:"from"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	status := flag.Int("status", http.StatusOK, "status code to answer with")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request: method=%s uri=%s host=%s from=%s", r.Method, r.RequestURI, r.Host, r.RemoteAddr)

		b, _ := json.MarshalIndent(Echo{
			Method:  r.Method,
			URI:     r.RequestURI,
			Proto:   r.Proto,
			Host:    r.Host,
			From:    r.RemoteAddr,
			Headers: r.Header,
			Body:    string(body),
		}, "", "  ")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		w.Write(b)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting echo upstream on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
