package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	posapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// HTTPListener serves protocols that report over HTTP. The query string (or
// form body) is the wire unit handed to the codec.
type HTTPListener struct {
	addr     string
	port     int
	codec    protocol.Codec
	pipeline *posapp.Pipeline
	logger   *log.Logger

	mu      sync.Mutex
	server  *http.Server
	started bool
}

// NewHTTPListener constructs a listener for one protocol binding.
func NewHTTPListener(addr string, port int, codec protocol.Codec, pipeline *posapp.Pipeline, logger *log.Logger) (*HTTPListener, error) {
	if codec == nil {
		return nil, errors.New("http listener: nil codec")
	}
	if pipeline == nil {
		return nil, errors.New("http listener: nil pipeline")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPListener{
		addr:     addr,
		port:     port,
		codec:    codec,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

// Protocol returns the bound codec name.
func (l *HTTPListener) Protocol() string { return l.codec.Name() }

// Port returns the bound port.
func (l *HTTPListener) Port() int { return l.port }

// Start binds the port and begins serving. Idempotent.
func (l *HTTPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleReport)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.started = true
	l.logger.Printf("http listener: %s serving on %s", l.codec.Name(), listener.Addr())

	go func() {
		if err := l.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Printf("http listener: %s serve: %v", l.codec.Name(), err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully. Idempotent.
func (l *HTTPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	server := l.server
	l.server = nil
	l.mu.Unlock()
	return server.Shutdown(ctx)
}

func (l *HTTPListener) handleReport(w http.ResponseWriter, r *http.Request) {
	raw := []byte(r.URL.RawQuery)
	if len(raw) == 0 && r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		raw = body
	}

	client := protocol.ClientInfo{
		Protocol:   l.codec.Name(),
		Transport:  "http",
		RemoteAddr: r.RemoteAddr,
		Port:       l.port,
	}

	drafts, err := l.codec.Decode(raw, client)
	if err != nil {
		metrics.IncDecodeErrors(l.codec.Name())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(drafts) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	metrics.IncUnitsDecoded(l.codec.Name())

	if _, err := l.pipeline.Ingest(r.Context(), l.codec.Name(), drafts, client); err != nil {
		metrics.IncUnitsDropped(l.codec.Name())
		l.logger.Printf("http listener: %s ingest from %s: %v", l.codec.Name(), r.RemoteAddr, err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
