package server

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	cmdapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	posapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

const defaultIdleTimeout = 10 * time.Minute

// TCPListener accepts device connections for one protocol binding and feeds
// decoded frames into the ingestion pipeline. Each connection runs in its own
// goroutine; a malformed frame never terminates the connection.
type TCPListener struct {
	addr        string
	port        int
	codec       protocol.Codec
	pipeline    *posapp.Pipeline
	table       *ConnectionTable
	dispatcher  *cmdapp.Dispatcher
	logger      *log.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewTCPListener constructs a listener for one protocol binding.
func NewTCPListener(addr string, port int, codec protocol.Codec, pipeline *posapp.Pipeline, table *ConnectionTable, dispatcher *cmdapp.Dispatcher, logger *log.Logger) (*TCPListener, error) {
	if codec == nil {
		return nil, errors.New("tcp listener: nil codec")
	}
	if pipeline == nil {
		return nil, errors.New("tcp listener: nil pipeline")
	}
	if table == nil {
		return nil, errors.New("tcp listener: nil connection table")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TCPListener{
		addr:        addr,
		port:        port,
		codec:       codec,
		pipeline:    pipeline,
		table:       table,
		dispatcher:  dispatcher,
		logger:      logger,
		idleTimeout: defaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

// Protocol returns the bound codec name.
func (l *TCPListener) Protocol() string { return l.codec.Name() }

// Port returns the bound port.
func (l *TCPListener) Port() int { return l.port }

// Start binds the port and begins accepting. Idempotent.
func (l *TCPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.listener = listener
	l.started = true
	l.logger.Printf("tcp listener: %s accepting on %s", l.codec.Name(), listener.Addr())

	l.wg.Add(1)
	go l.acceptLoop(ctx, listener)
	return nil
}

// Stop closes the listener and all live connections, then waits for handler
// goroutines to drain. Idempotent.
func (l *TCPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	listener := l.listener
	l.listener = nil
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *TCPListener) acceptLoop(ctx context.Context, listener net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Printf("tcp listener: %s accept: %v", l.codec.Name(), err)
			continue
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("tcp listener: %s connection panic: %v", l.codec.Name(), r)
		}
	}()

	channel := &tcpChannel{conn: conn}
	var deviceID int64
	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		if deviceID != 0 {
			l.table.Unregister(deviceID, channel)
		}
	}()

	client := protocol.ClientInfo{
		Protocol:   l.codec.Name(),
		Transport:  "tcp",
		RemoteAddr: conn.RemoteAddr().String(),
		Port:       l.port,
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if framer, ok := l.codec.(protocol.Framer); ok {
		scanner.Split(framer.SplitFunc())
	}
	ackDecoder, _ := l.codec.(protocol.AckDecoder)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		if !scanner.Scan() {
			return
		}
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}

		if ackDecoder != nil {
			if ack, ok := ackDecoder.DecodeAck(frame); ok {
				if l.dispatcher != nil {
					l.dispatcher.HandleAck(ctx, *ack)
				}
				continue
			}
		}

		drafts, err := l.codec.Decode(frame, client)
		if err != nil {
			metrics.IncDecodeErrors(l.codec.Name())
			l.logger.Printf("tcp listener: %s decode from %s: %v", l.codec.Name(), client.RemoteAddr, err)
			continue
		}
		if len(drafts) == 0 {
			continue
		}
		metrics.IncUnitsDecoded(l.codec.Name())

		resolved, err := l.pipeline.Ingest(ctx, l.codec.Name(), drafts, client)
		if err != nil {
			metrics.IncUnitsDropped(l.codec.Name())
			l.logger.Printf("tcp listener: %s ingest from %s: %v", l.codec.Name(), client.RemoteAddr, err)
			continue
		}
		if resolved != 0 && resolved != deviceID {
			deviceID = resolved
			l.table.Register(deviceID, channel)
		}
	}
}

// tcpChannel adapts a net.Conn to the Channel interface with serialized
// writes.
type tcpChannel struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpChannel) Write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.conn.Write(payload)
	return err
}

func (c *tcpChannel) Close() error {
	return c.conn.Close()
}
