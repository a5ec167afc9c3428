/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by client calls after the connection is gone.
var ErrClosed = errors.New("rpc: connection closed")

// Client is the worker side of the control-plane connection. Calls may
// be issued concurrently; replies are matched by request id.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextReq uint64
	pending map[uint64]chan *Reply
	closed  bool
}

// Dial connects to the master and identifies this worker.
func Dial(ctx context.Context, addr, zone, holder string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, conn, zone, holder)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection and performs the HELLO
// handshake.
func NewClient(ctx context.Context, conn net.Conn, zone, holder string) (*Client, error) {
	c := &Client{
		conn:    conn,
		pending: map[uint64]chan *Reply{},
	}
	go c.readLoop()

	rep, err := c.call(ctx, &Request{Cmd: CmdHello, Zone: zone, ID: holder})
	if err != nil {
		return nil, fmt.Errorf("rpc: hello: %w", err)
	}
	if rep.Error != "" {
		return nil, fmt.Errorf("rpc: hello: %s", rep.Error)
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		body, err := readFrame(c.conn)
		if err != nil {
			c.fail()
			return
		}
		rep, err := decodeReply(body)
		if err != nil {
			c.fail()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[rep.Req]
		delete(c.pending, rep.Req)
		c.mu.Unlock()
		if ok {
			ch <- rep
		}
	}
}

// fail wakes up every in-flight call with ErrClosed.
func (c *Client) fail() {
	c.conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for req, ch := range c.pending {
		delete(c.pending, req)
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, req *Request) (*Reply, error) {
	ch := make(chan *Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextReq++
	req.Req = c.nextReq
	c.pending[req.Req] = ch
	c.mu.Unlock()

	body, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	err = writeFrame(c.conn, body)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.Req)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return rep, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Req)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Get asks for the next delivery. Returns nil when the zone has nothing
// to do right now.
func (c *Client) Get(ctx context.Context) (*Delivery, error) {
	rep, err := c.call(ctx, &Request{Cmd: CmdGet})
	if err != nil {
		return nil, err
	}
	if rep.Error != "" {
		return nil, errors.New(rep.Error)
	}
	return rep.Delivery, nil
}

// Release reports a finished delivery (success or permanent failure
// already bounced elsewhere).
func (c *Client) Release(ctx context.Context, d *Delivery) error {
	return c.ack(ctx, &Request{Cmd: CmdRelease, ID: d.ID, Seq: d.Seq, Lock: d.Lock})
}

// Defer returns the delivery to the queue for a later attempt.
// blacklist carries destination addresses of the delivery's domain that
// this worker just failed to connect to; the master distributes them to
// the zone's other workers.
func (c *Client) Defer(ctx context.Context, d *Delivery, ttl time.Duration, response, logLine string, blacklist []string) error {
	return c.ack(ctx, &Request{
		Cmd:       CmdDefer,
		ID:        d.ID,
		Seq:       d.Seq,
		Lock:      d.Lock,
		TTLMillis: ttl.Milliseconds(),
		Response:  response,
		Log:       logLine,
		Blacklist: blacklist,
	})
}

// Bounce reports a permanent failure; the master runs the bounce hooks
// and releases the row.
func (c *Client) Bounce(ctx context.Context, d *Delivery, response string) error {
	return c.ack(ctx, &Request{Cmd: CmdBounce, ID: d.ID, Seq: d.Seq, Lock: d.Lock, Response: response})
}

func (c *Client) ack(ctx context.Context, req *Request) error {
	rep, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if rep.Error != "" {
		return errors.New(rep.Error)
	}
	return nil
}
