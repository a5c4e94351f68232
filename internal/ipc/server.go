package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"excelmcpd/internal/obslog"
	"excelmcpd/internal/rpc"
)

// defaultMaxConnections is the hard cap on simultaneous client
// connections when the caller doesn't override it: additional connects
// block on the semaphore.
const defaultMaxConnections = 10

const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Handler answers one decoded ServiceRequest. Router.Handle satisfies
// this signature.
type Handler func(ctx context.Context, req rpc.ServiceRequest) rpc.ServiceResponse

// ActivityRecorder is notified on every accepted RPC call, feeding the
// Idle Watchdog's "last activity" timestamp.
type ActivityRecorder interface {
	Touch()
}

// Server accepts connections on a platform Listener and serves the
// single process_command_async method over Content-Length JSON-RPC
// framing, one goroutine per connection.
type Server struct {
	listener net.Listener
	handle   Handler
	activity ActivityRecorder
	sem      *semaphore.Weighted

	closed chan struct{}
}

// NewServer wraps an already-created platform Listener (named pipe or
// Unix socket — see pipe_windows.go/pipe_unix.go for endpoint creation).
// maxConnections <= 0 falls back to defaultMaxConnections.
func NewServer(listener net.Listener, handle Handler, activity ActivityRecorder, maxConnections int) *Server {
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	return &Server{
		listener: listener,
		handle:   handle,
		activity: activity,
		sem:      semaphore.NewWeighted(int64(maxConnections)),
		closed:   make(chan struct{}),
	}
}

// Serve runs the accept loop until Close is called or ctx is cancelled.
// Accept errors are retried with exponential backoff (100ms doubling to
// 5s), reset after each successful accept, so a transiently unavailable
// pipe doesn't spin the CPU.
func (s *Server) Serve(ctx context.Context) error {
	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			obslog.Get().Warnf(obslog.ComponentIPC, "accept error, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		backoff = backoffInitial

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}

		go func() {
			defer s.sem.Release(1)
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn is the per-connection RPC target: it remains until the
// client disconnects, then the connection is closed.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		req, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				obslog.Get().Debugf(obslog.ComponentIPC, "connection read error: %v", err)
			}
			return
		}

		if s.activity != nil {
			s.activity.Touch()
		}

		resp := s.dispatch(ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			obslog.Get().Debugf(obslog.ComponentIPC, "connection write error: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	if req.Method != "process_command_async" {
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: "method not found: " + req.Method},
		}
	}

	var svcReq rpc.ServiceRequest
	if err := json.Unmarshal(req.Params, &svcReq); err != nil {
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32602, Message: "invalid params: " + err.Error()},
		}
	}

	svcResp := s.handle(ctx, svcReq)
	resultJSON, err := json.Marshal(svcResp)
	if err != nil {
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32603, Message: "internal error: " + err.Error()},
		}
	}

	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
}

// Close stops the accept loop and closes the underlying listener.
func (s *Server) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.listener.Close()
}
