package broker

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/internal/ktperr"
)

// Handler implements the three Broker operations on behalf of the daemon.
type Handler interface {
	// Create reserves a free socket slot owned by ownerPID and opens an
	// underlying datagram endpoint for it, returning the slot index used
	// as the application's fd.
	Create(ownerPID int32) (sockID int, err error)
	// Bind rebinds sockID's underlying endpoint to the given local
	// address and records the permitted remote peer.
	Bind(sockID int, localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16) error
	// Close frees sockID's slot and closes its underlying endpoint.
	Close(sockID int) error
}

// Server is the daemon-side Broker: it accepts one connection per request
// and serves it synchronously.
type Server struct {
	path    string
	handler Handler
	logger  *log.Entry
	ln      net.Listener
	wg      sync.WaitGroup
}

// NewServer creates (overwriting any stale socket file at path) a Broker
// server for handler.
func NewServer(path string, handler Handler, logger *log.Entry) (*Server, error) {
	if logger == nil {
		logger = log.WithField("component", "broker")
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{path: path, handler: handler, logger: logger, ln: ln}, nil
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.WithError(err).Warn("malformed broker request")
		return
	}

	resp := s.dispatch(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.WithError(err).Warn("failed to write broker response")
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpCreate:
		sockID, err := s.handler.Create(req.OwnerPID)
		if err != nil {
			s.logger.WithError(err).Warn("create request failed")
			return Response{SockID: -1, Err: err.Error(), Code: ktperr.Code(err)}
		}
		s.logger.WithField("sock_id", sockID).Debug("created socket")
		return Response{SockID: sockID}
	case OpBind:
		err := s.handler.Bind(req.SockID, req.LocalIP, req.LocalPort, req.RemoteIP, req.RemotePort)
		if err != nil {
			s.logger.WithError(err).WithField("sock_id", req.SockID).Warn("bind request failed")
			return Response{SockID: req.SockID, Err: err.Error(), Code: ktperr.Code(err)}
		}
		s.logger.WithField("sock_id", req.SockID).Debug("bound socket")
		return Response{SockID: req.SockID}
	case OpClose:
		err := s.handler.Close(req.SockID)
		if err != nil {
			s.logger.WithError(err).WithField("sock_id", req.SockID).Warn("close request failed")
			return Response{SockID: req.SockID, Err: err.Error(), Code: ktperr.Code(err)}
		}
		s.logger.WithField("sock_id", req.SockID).Debug("closed socket")
		return Response{SockID: req.SockID}
	default:
		return Response{SockID: -1, Err: "broker: unknown operation"}
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}
