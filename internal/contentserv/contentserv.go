// Package contentserv serves the installation repository to the guest for
// the duration of one install attempt.
package contentserv

import (
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
)

// Port is the fixed port the generated kickstart points the guest at.
const Port = 8000

// Server is a plain HTTP file server rooted at the OSTree repository
// directory. It counts requests so the install can log a summary once the
// guest is done pulling.
type Server struct {
	root   string
	addr   string
	logger *slog.Logger

	requests atomic.Int64
}

// New returns a server for root bound to addr (host:port).
func New(root, addr string, logger *slog.Logger) *Server {
	return &Server{root: root, addr: addr, logger: logger}
}

// Handler returns the counting file-serving handler.
func (s *Server) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files.ServeHTTP(w, r)
		s.requests.Add(1)
	})
}

// Start serves in the background. The launch step deliberately does not wait
// for the listener to be ready. A bind or serve failure kills the whole
// process: a silently dead content endpoint would only surface later as an
// opaque hang inside the guest.
func (s *Server) Start() {
	go func() {
		err := http.ListenAndServe(s.addr, s.Handler())
		s.logger.Error("content server failed", "addr", s.addr, "error", err)
		os.Exit(1)
	}()
}

// Requests returns the number of requests served so far. Read it once the
// server is known to be idle.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}
