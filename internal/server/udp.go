package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/observability/metrics"
	posapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/positions/application"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/protocol"
)

// UDPListener reads datagrams for one protocol binding. One datagram is one
// wire unit. Replies go to the source address of the device's most recent
// datagram.
type UDPListener struct {
	addr     string
	port     int
	codec    protocol.Codec
	pipeline *posapp.Pipeline
	table    *ConnectionTable
	logger   *log.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	wg      sync.WaitGroup
	started bool
}

// NewUDPListener constructs a listener for one protocol binding.
func NewUDPListener(addr string, port int, codec protocol.Codec, pipeline *posapp.Pipeline, table *ConnectionTable, logger *log.Logger) (*UDPListener, error) {
	if codec == nil {
		return nil, errors.New("udp listener: nil codec")
	}
	if pipeline == nil {
		return nil, errors.New("udp listener: nil pipeline")
	}
	if table == nil {
		return nil, errors.New("udp listener: nil connection table")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &UDPListener{
		addr:     addr,
		port:     port,
		codec:    codec,
		pipeline: pipeline,
		table:    table,
		logger:   logger,
	}, nil
}

// Protocol returns the bound codec name.
func (l *UDPListener) Protocol() string { return l.codec.Name() }

// Port returns the bound port.
func (l *UDPListener) Port() int { return l.port }

// Start binds the port and begins reading datagrams. Idempotent.
func (l *UDPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return err
	}
	l.conn = conn
	l.started = true
	l.logger.Printf("udp listener: %s reading on %s", l.codec.Name(), conn.LocalAddr())

	l.wg.Add(1)
	go l.readLoop(ctx, conn)
	return nil
}

// Stop closes the socket and waits for the read loop. Idempotent.
func (l *UDPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
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

func (l *UDPListener) readLoop(ctx context.Context, conn net.PacketConn) {
	defer l.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Printf("udp listener: %s read: %v", l.codec.Name(), err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.handleDatagram(ctx, conn, addr, datagram)
	}
}

func (l *UDPListener) handleDatagram(ctx context.Context, conn net.PacketConn, addr net.Addr, datagram []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("udp listener: %s datagram panic: %v", l.codec.Name(), r)
		}
	}()

	client := protocol.ClientInfo{
		Protocol:   l.codec.Name(),
		Transport:  "udp",
		RemoteAddr: addr.String(),
		Port:       l.port,
	}

	drafts, err := l.codec.Decode(datagram, client)
	if err != nil {
		metrics.IncDecodeErrors(l.codec.Name())
		l.logger.Printf("udp listener: %s decode from %s: %v", l.codec.Name(), addr, err)
		return
	}
	if len(drafts) == 0 {
		return
	}
	metrics.IncUnitsDecoded(l.codec.Name())

	deviceID, err := l.pipeline.Ingest(ctx, l.codec.Name(), drafts, client)
	if err != nil {
		metrics.IncUnitsDropped(l.codec.Name())
		l.logger.Printf("udp listener: %s ingest from %s: %v", l.codec.Name(), addr, err)
		return
	}
	if deviceID != 0 {
		l.table.Register(deviceID, &udpChannel{conn: conn, addr: addr})
	}
}

// udpChannel replies to the device's most recent source address.
type udpChannel struct {
	conn net.PacketConn
	addr net.Addr
}

func (c *udpChannel) Write(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.conn.WriteTo(payload, c.addr)
	return err
}

func (c *udpChannel) Close() error { return nil }
