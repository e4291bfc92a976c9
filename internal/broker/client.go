package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ktpnet/ktp/internal/ktperr"
)

// ErrDaemonUnavailable is returned when the broker socket cannot be
// reached, i.e. the transport daemon is not running (§4.7, §7a).
var ErrDaemonUnavailable = errors.New("broker: transport daemon not running")

// Client is the library-side handle used to talk to the daemon's Broker.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a Broker client dialing the Unix socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 2 * time.Second}
}

func (c *Client) roundTrip(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("broker: writing request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("broker: reading response: %w", err)
	}
	return resp, nil
}

// Create asks the daemon to reserve a socket slot owned by ownerPID and
// open an underlying endpoint for it.
func (c *Client) Create(ownerPID int32) (int, error) {
	resp, err := c.roundTrip(Request{Op: OpCreate, OwnerPID: ownerPID})
	if err != nil {
		return -1, err
	}
	if resp.Err != "" {
		return -1, responseError(resp)
	}
	return resp.SockID, nil
}

// responseError reconstructs an error from a failed Response, preserving
// the sentinel identity in resp.Code when the daemon set one (see
// internal/ktperr) so callers can still use errors.Is across the RPC.
func responseError(resp Response) error {
	if sentinel := ktperr.FromCode(resp.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, resp.Err)
	}
	return errors.New(resp.Err)
}

// Bind asks the daemon to rebind sockID's underlying endpoint and record
// the permitted remote peer.
func (c *Client) Bind(sockID int, localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16) error {
	resp, err := c.roundTrip(Request{
		Op:         OpBind,
		SockID:     sockID,
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
	})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return responseError(resp)
	}
	return nil
}

// Close asks the daemon to free sockID's slot and close its underlying
// endpoint.
func (c *Client) Close(sockID int) error {
	resp, err := c.roundTrip(Request{Op: OpClose, SockID: sockID})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return responseError(resp)
	}
	return nil
}
