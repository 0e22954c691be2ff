//go:build windows

package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

const defaultDialTimeout = 5 * time.Second

// Client is a connection to the engine's control-plane pipe.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

// Dial connects to the engine's control-plane pipe with the default timeout.
func Dial() (*Client, error) {
	return DialWithTimeout(defaultDialTimeout)
}

// DialWithTimeout connects with a custom timeout.
func DialWithTimeout(timeout time.Duration) (*Client, error) {
	conn, err := winio.DialPipe(PipeName, &timeout)
	if err != nil {
		return nil, fmt.Errorf("[IPC] dial pipe: %w", err)
	}
	return &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		enc:     json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying pipe connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req Request) (Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("[IPC] send: %w", err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("[IPC] recv: %w", err)
		}
		return Response{}, fmt.Errorf("[IPC] recv: connection closed")
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("[IPC] decode response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("[IPC] %s", resp.Error)
	}
	return resp, nil
}

// Start asks the engine to start a session in mode with the given toggled
// executable paths.
func (c *Client) Start(mode string, targets []string) error {
	_, err := c.call(Request{Op: OpStart, Mode: mode, Targets: targets})
	return err
}

// SetMode asks the running session to change its default-egress mode.
func (c *Client) SetMode(mode string) error {
	_, err := c.call(Request{Op: OpSetMode, Mode: mode})
	return err
}

// SetTargets asks the running session to replace its toggled executable set.
func (c *Client) SetTargets(targets []string) error {
	_, err := c.call(Request{Op: OpSetTargets, Targets: targets})
	return err
}

// Stop asks the engine to stop the running session.
func (c *Client) Stop() error {
	_, err := c.call(Request{Op: OpStop})
	return err
}

// Stats fetches a snapshot of session activity.
func (c *Client) Stats() (Response, error) {
	return c.call(Request{Op: OpStats})
}
