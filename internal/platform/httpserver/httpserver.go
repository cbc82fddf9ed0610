package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with defaults suited to transfer traffic. No
// WriteTimeout: a move of a large object legitimately holds the response
// open, so per-request deadlines belong to the handlers.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
