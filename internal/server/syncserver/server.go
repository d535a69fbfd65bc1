package syncserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/tidekv/tidekv/internal/shard"
	"github.com/tidekv/tidekv/internal/snapshot"
)

// Config holds the transfer server configuration.
type Config struct {
	// Address is the listen address.
	Address string
	// Workers is the worker pool size.
	Workers int
	// QueueDepth bounds the worker queue; a full queue blocks the
	// connection's read loop, backpressuring the peer.
	QueueDepth int
	// IdleTimeout closes connections with no inbound request.
	IdleTimeout time.Duration
	// WriteTimeout is the per-response write deadline.
	WriteTimeout time.Duration
	// RateLimit caps served snapshot bytes per second across all
	// followers. Zero disables the cap.
	RateLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1:10221",
		Workers:      2,
		QueueDepth:   100000,
		IdleTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves snapshot metadata and file-range requests to followers.
//
// The connection read loop only decodes requests and hands them to the
// worker pool; disk reads and checksum work never run on the I/O path.
type Server struct {
	cfg      *Config
	shards   *shard.Manager
	registry *snapshot.Registry
	logger   *slog.Logger

	pool    *workerPool
	limiter *rate.Limiter
	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	metricsRequests *prometheus.CounterVec
	metricsBytes    prometheus.Counter
}

// New creates a transfer server over the given shard manager and snapshot
// registry.
func New(cfg *Config, shards *shard.Manager, registry *snapshot.Registry, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return &Server{
		cfg:      cfg,
		shards:   shards,
		registry: registry,
		logger:   logger,
		pool:     newWorkerPool(cfg.Workers, cfg.QueueDepth),
		limiter:  limiter,
	}
}

// Start begins listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("syncserver: listen %s: %w", s.cfg.Address, err)
	}
	s.ln = ln
	s.running.Store(true)
	s.logger.Info("sync server started", "address", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Addr returns the bound listen address, usable after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drains the worker pool, and waits for connection
// goroutines to finish.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.pool.Stop()
	s.wg.Wait()
	s.logger.Info("sync server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn decodes framed requests and schedules their handlers. The only
// blocking it performs itself is the bounded-queue enqueue.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sc := newServerConn(conn, s.cfg.WriteTimeout)
	defer sc.Close()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		req, err := readRequest(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, net.ErrClosed):
			case errors.Is(err, ErrBadRequest), errors.Is(err, ErrFrameTooLarge):
				s.logger.Warn("dropping connection on malformed request",
					"remote", conn.RemoteAddr().String(), "error", err)
			default:
				s.logger.Debug("connection read ended",
					"remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		switch req.Type {
		case RequestMeta:
			if err := s.pool.Schedule(func() { s.handleMetaRequest(sc, req) }); err != nil {
				return
			}
		case RequestFile:
			if err := s.pool.Schedule(func() { s.handleFileRequest(ctx, sc, req) }); err != nil {
				return
			}
		default:
			s.logger.Warn("invalid request type ignored",
				"type", req.Type, "remote", conn.RemoteAddr().String())
		}
	}
}

// handleMetaRequest answers with the current snapshot uuid and file list.
//
// When the shard is unknown, mid-bgsave, or has no published checkpoint yet,
// no response is sent at all; the follower retries on its own timeout. This
// asymmetry with file-range errors is deliberate and load-bearing for client
// retry semantics.
func (s *Server) handleMetaRequest(sc *serverConn, req *Request) {
	s.countRequest("meta")

	sh := s.shards.Lookup(req.DB, req.ShardID)
	if sh == nil || sh.IsBgSaving() {
		s.logger.Warn("meta request deferred, waiting for bgsave",
			"db", req.DB, "shard", req.ShardID)
		return
	}
	desc, ok := s.registry.Current(req.DB, req.ShardID)
	if !ok {
		s.logger.Warn("meta request deferred, no checkpoint published",
			"db", req.DB, "shard", req.ShardID)
		return
	}

	resp := &Response{
		Type:    RequestMeta,
		Code:    CodeOK,
		DB:      req.DB,
		ShardID: req.ShardID,
		UUID:    desc.UUID,
		Meta:    &MetaResponse{Filenames: desc.Files},
	}
	s.logger.Info("serving snapshot meta",
		"db", req.DB,
		"shard", req.ShardID,
		"uuid", desc.UUID,
		"files", len(desc.Files))

	s.writeResponse(sc, resp)
}

// handleFileRequest serves one byte range of one snapshot file. Unlike
// metadata, every fault here is reported as an error-status response.
func (s *Server) handleFileRequest(ctx context.Context, sc *serverConn, req *Request) {
	s.countRequest("file")

	resp := &Response{
		Type:    RequestFile,
		Code:    CodeOK,
		DB:      req.DB,
		ShardID: req.ShardID,
	}

	if req.File == nil {
		resp.Code = CodeErr
		s.writeResponse(sc, resp)
		return
	}

	desc, ok := s.registry.Current(req.DB, req.ShardID)
	if !ok {
		s.logger.Warn("file request without published snapshot",
			"db", req.DB, "shard", req.ShardID)
		resp.Code = CodeErr
		s.writeResponse(sc, resp)
		return
	}
	resp.UUID = desc.UUID

	if s.shards.Lookup(req.DB, req.ShardID) == nil {
		s.logger.Warn("file request for unknown shard",
			"db", req.DB, "shard", req.ShardID)
		resp.Code = CodeErr
		s.writeResponse(sc, resp)
		return
	}

	// Snapshot files live flat in the checkpoint dir; anything that is not
	// a bare filename is hostile.
	if req.File.Filename == "" || req.File.Filename != filepath.Base(req.File.Filename) {
		s.logger.Warn("file request with invalid filename",
			"filename", req.File.Filename)
		resp.Code = CodeErr
		s.writeResponse(sc, resp)
		return
	}

	path := filepath.Join(desc.Dir, req.File.Filename)
	data, checksum, err := readSnapshotFile(path, req.File.Offset, req.File.Count)
	if err != nil {
		s.logger.Warn("snapshot file read failed", "path", path, "error", err)
		resp.Code = CodeErr
		s.writeResponse(sc, resp)
		return
	}

	if err := s.throttle(ctx, len(data)); err != nil {
		// Only a dying server context lands here; the follower will
		// retry against whoever is serving next.
		s.logger.Debug("file range dropped by rate limiter", "error", err)
		return
	}

	resp.File = &FileResponse{
		Filename: req.File.Filename,
		Offset:   req.File.Offset,
		Count:    uint64(len(data)),
		Data:     data,
		Eof:      uint64(len(data)) != req.File.Count,
		Checksum: checksum,
	}
	if s.metricsBytes != nil {
		s.metricsBytes.Add(float64(len(data)))
	}

	s.writeResponse(sc, resp)
}

// throttle reserves n bytes from the serving rate limiter, waiting in
// burst-sized slices so ranges larger than the burst still pass.
func (s *Server) throttle(ctx context.Context, n int) error {
	if s.limiter == nil {
		return nil
	}
	burst := s.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := s.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// writeResponse serializes and writes one response. Any failure here means
// the frame stream can no longer be trusted, so the connection is closed;
// the msgpack schema is fixed, so in practice this fires on transport faults.
func (s *Server) writeResponse(sc *serverConn, resp *Response) {
	if err := sc.write(resp); err != nil {
		s.logger.Warn("response write failed, closing connection", "error", err)
		sc.Close()
	}
}

func (s *Server) countRequest(kind string) {
	if s.metricsRequests != nil {
		s.metricsRequests.WithLabelValues(kind).Inc()
	}
}

// RegisterMetrics registers transfer metrics with Prometheus.
// Call once during initialization; returns the server for chaining.
func (s *Server) RegisterMetrics(registry *prometheus.Registry) *Server {
	s.metricsRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidekv",
		Subsystem: "sync",
		Name:      "requests_total",
		Help:      "Snapshot transfer requests received, by kind",
	}, []string{"kind"})
	s.metricsBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tidekv",
		Subsystem: "sync",
		Name:      "bytes_sent_total",
		Help:      "Snapshot file bytes served to followers",
	})
	registry.MustRegister(s.metricsRequests, s.metricsBytes)
	return s
}

// serverConn serializes response writes of one connection; metadata and
// file handlers for the same peer may complete on different workers.
type serverConn struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed atomic.Bool
}

func newServerConn(conn net.Conn, writeTimeout time.Duration) *serverConn {
	return &serverConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *serverConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return writeFrame(c.conn, v)
}

func (c *serverConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
