package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okserver/okserver/pkg/core/request"
	"github.com/okserver/okserver/pkg/core/transport"
	"github.com/okserver/okserver/pkg/metrics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StatusLineOK is written to every connection, whatever it sent.
const StatusLineOK = "HTTP/1.1 200 OK\r\n\r\n"

const (
	maxAcceptBackoff = time.Second
	lingerTimeout    = 100 * time.Millisecond
	maxLingerBytes   = 256 << 10
)

var okResponse = []byte(StatusLineOK)

var knownMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "OPTIONS": {}, "CONNECT": {}, "TRACE": {},
}

// Outcome describes how a connection ended.
type Outcome string

const (
	OutcomeResponded  Outcome = "responded"
	OutcomeReadError  Outcome = "read_error"
	OutcomeWriteError Outcome = "write_error"
)

// Exchange is the record of one served connection.
type Exchange struct {
	ID           string
	RemoteAddr   string
	Request      *request.Request
	Outcome      Outcome
	Err          error
	BytesRead    int64
	BytesWritten int64
	Timing       transport.ConnTiming
}

// Options configures a Server. Zero timeouts disable the deadline, a zero
// ShutdownTimeout waits for connections indefinitely, and zero limits mean
// no limit.
type Options struct {
	Address             string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxConnections      int
	MaxRequestLineBytes int
}

// Server accepts connections and answers each one with StatusLineOK.
type Server struct {
	opts       Options
	logger     *zap.Logger
	onExchange func(*Exchange)

	mu       sync.Mutex
	listener net.Listener
	active   map[*transport.ProfilingConn]struct{}
}

// New creates a server. onExchange, if set, is called once per connection
// after it has been closed.
func New(opts Options, logger *zap.Logger, onExchange func(*Exchange)) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		opts:       opts,
		logger:     logger,
		onExchange: onExchange,
		active:     make(map[*transport.ProfilingConn]struct{}),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("already listening on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.opts.Address, err)
	}
	s.listener = listener

	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and then serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop until ctx is cancelled. The listener is closed
// on return. In-flight connections get ShutdownTimeout to finish before they
// are closed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return errors.New("server is not listening")
	}

	workers := pool.New()
	if s.opts.MaxConnections > 0 {
		workers = workers.WithMaxGoroutines(s.opts.MaxConnections)
	}

	stop := context.AfterFunc(ctx, func() {
		listener.Close() //nolint:errcheck
	})
	defer stop()

	s.logger.Info("listening", zap.String("address", listener.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}

			metrics.ConnectionErrorsTotal.WithLabelValues("accept", transport.ClassifyError(err)).Inc()

			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		metrics.ConnectionsAcceptedTotal.Inc()

		pc := transport.NewProfilingConn(conn)
		s.track(pc, true)
		workers.Go(func() {
			s.handle(pc)
		})
	}

	return s.shutdown(listener, workers)
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	if next := current * 2; next < maxAcceptBackoff {
		return next
	}
	return maxAcceptBackoff
}

func (s *Server) shutdown(listener net.Listener, workers *pool.Pool) error {
	var err error
	if closeErr := listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close listener: %w", closeErr))
	}

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.opts.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.opts.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		s.logger.Warn("shutdown timeout exceeded, closing remaining connections",
			zap.Int("connections", s.activeCount()))
		err = multierr.Append(err, s.closeActive())
		<-done
	}

	s.logger.Info("listener closed")

	return err
}

func (s *Server) track(pc *transport.ProfilingConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.active[pc] = struct{}{}
	} else {
		delete(s.active, pc)
	}
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) closeActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for pc := range s.active {
		if closeErr := pc.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	return err
}

func (s *Server) handle(pc *transport.ProfilingConn) {
	metrics.ConnectionsInFlight.Inc()

	ex := &Exchange{
		ID:         uuid.NewString(),
		RemoteAddr: pc.RemoteAddr().String(),
	}

	defer func() {
		if err := pc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("close failed", zap.String("connection_id", ex.ID), zap.Error(err))
		}
		s.track(pc, false)
		metrics.ConnectionsInFlight.Dec()

		ex.Timing = pc.Timing()
		ex.BytesRead = pc.BytesRead()
		ex.BytesWritten = pc.BytesWritten()

		metrics.ConnectionDuration.Observe(ex.Timing.Closed.Sub(ex.Timing.Accepted).Seconds())
		metrics.RequestSizeBytes.Observe(float64(ex.BytesRead))

		if s.onExchange != nil {
			s.onExchange(ex)
		}
	}()

	if s.opts.ReadTimeout > 0 {
		pc.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)) //nolint:errcheck
	}

	reader := bufio.NewReader(pc)
	req, err := request.ReadRequest(reader, s.opts.MaxRequestLineBytes)
	ex.Request = req
	if err != nil && !isTolerableReadError(err) {
		s.fail(ex, "read", err)
		return
	}

	if s.opts.WriteTimeout > 0 {
		pc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
	}

	if _, err := pc.Write(okResponse); err != nil {
		s.fail(ex, "write", err)
		return
	}

	ex.Outcome = OutcomeResponded
	metrics.ResponsesTotal.WithLabelValues(methodLabel(req.RequestLine.Method)).Inc()

	s.linger(pc, reader)
}

// linger half-closes the connection and drains what the peer still sends, so
// closing with unread data does not reset the connection before the client
// has read the response.
func (s *Server) linger(pc *transport.ProfilingConn, reader *bufio.Reader) {
	if err := pc.CloseWrite(); err != nil {
		return
	}

	pc.SetReadDeadline(time.Now().Add(lingerTimeout))           //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(reader, maxLingerBytes)) //nolint:errcheck
}

func (s *Server) fail(ex *Exchange, stage string, err error) {
	if stage == "read" {
		ex.Outcome = OutcomeReadError
	} else {
		ex.Outcome = OutcomeWriteError
	}
	ex.Err = fmt.Errorf("%s: %w", stage, err)

	metrics.ConnectionErrorsTotal.WithLabelValues(stage, transport.ClassifyError(err)).Inc()
	s.logger.Warn("connection abandoned",
		zap.String("connection_id", ex.ID),
		zap.String("remote_addr", ex.RemoteAddr),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// A peer that stops sending, is too slow, or sends an over-long line still
// gets the response.
func isTolerableReadError(err error) bool {
	return request.IsEOF(err) ||
		errors.Is(err, request.ErrLineTooLong) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

func methodLabel(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "other"
}
