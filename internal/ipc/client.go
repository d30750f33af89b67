package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(serviceName+"."+method, req, resp)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartOperation starts a copy session.
func (c *Client) StartOperation(req StartOperationRequest) (*StartOperationResponse, error) {
	var resp StartOperationResponse
	if err := c.call("StartOperation", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel stops the active session.
func (c *Client) Cancel() (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.call("Cancel", CancelRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TogglePause pauses or resumes the active session.
func (c *Client) TogglePause() (*TogglePauseResponse, error) {
	var resp TogglePauseResponse
	if err := c.call("TogglePause", TogglePauseRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Eject ejects the active card.
func (c *Client) Eject() (*EjectResponse, error) {
	var resp EjectResponse
	if err := c.call("Eject", EjectRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rescan re-reads the active card.
func (c *Client) Rescan() (*RescanResponse, error) {
	var resp RescanResponse
	if err := c.call("Rescan", RescanRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events reads events after req.Since.
func (c *Client) Events(req EventsRequest) (*EventsResponse, error) {
	var resp EventsResponse
	if err := c.call("Events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History lists history rows, optionally for one card.
func (c *Client) History(cardID string) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call("History", HistoryRequest{CardID: cardID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteHistory removes history for a card.
func (c *Client) DeleteHistory(req DeleteHistoryRequest) (*DeleteHistoryResponse, error) {
	var resp DeleteHistoryResponse
	if err := c.call("DeleteHistory", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
