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
	"io"
	"net"
	"sync"
	"time"

	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/zones"
)

// Core is the scheduler surface the RPC server drives.
type Core interface {
	Shift(ctx context.Context, zone, holder string) (*queue.Delivery, error)
	Delivery(ctx context.Context, id, seq string) (*queue.Delivery, error)
	ReleaseDelivery(ctx context.Context, d *queue.Delivery, skipDelayDelete bool) error
	DeferDelivery(ctx context.Context, d *queue.Delivery, ttl time.Duration, response, logLine string, extra map[string]interface{}) error
	Bounce(ctx context.Context, d queue.Delivery, response string)
	ReleaseHolder(ctx context.Context, holder string)

	// Destination blacklist, master-local. Workers report new marks with
	// DEFER and receive the current set with every claimed delivery.
	Blacklist(domain, addr string)
	BlacklistedAddrs(domain string) []string
}

type Server struct {
	core  Core
	zones *zones.Set
	log   log.Logger
}

func NewServer(core Core, zoneSet *zones.Set) *Server {
	return &Server{
		core:  core,
		zones: zoneSet,
		log:   log.Logger{Name: "rpc"},
	}
}

// Serve accepts worker connections until the listener is closed or the
// context is canceled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

type serverConn struct {
	conn net.Conn
	mu   sync.Mutex // serializes frame writes
}

func (c *serverConn) reply(rep *Reply) error {
	body, err := encodeReply(rep)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, body)
}

// handleConn runs one worker session. The first frame must be HELLO;
// afterwards commands are handled concurrently and answered out of
// order, matched by the req id.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sc := &serverConn{conn: conn}

	hello, err := s.readRequest(conn)
	if err != nil {
		s.log.DebugMsg("dropping connection before HELLO", "remote", conn.RemoteAddr(), "reason", err)
		return
	}
	if hello.Cmd != CmdHello || hello.ID == "" {
		s.log.Msg("protocol violation, HELLO expected", "remote", conn.RemoteAddr(), "cmd", hello.Cmd)
		return
	}
	if _, ok := s.zones.Zone(hello.Zone); !ok {
		s.log.Msg("worker for unknown zone rejected", "remote", conn.RemoteAddr(), "zone", hello.Zone)
		return
	}
	holder, zone := hello.ID, hello.Zone
	if err := sc.reply(&Reply{Req: hello.Req, OK: "ok"}); err != nil {
		return
	}
	s.log.DebugMsg("worker connected", "holder", holder, "zone", zone, "remote", conn.RemoteAddr())

	// Whatever the disconnect reason, all of this worker's in-flight
	// deliveries go back to the pool.
	defer s.core.ReleaseHolder(context.WithoutCancel(ctx), holder)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, err := s.readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.DebugMsg("worker connection lost", "holder", holder, "reason", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(ctx, sc, zone, holder, req)
		}()
	}
}

func (s *Server) readRequest(conn net.Conn) (*Request, error) {
	body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	return decodeRequest(body)
}

func (s *Server) dispatch(ctx context.Context, sc *serverConn, zone, holder string, req *Request) {
	rep, err := s.handle(ctx, zone, holder, req)
	if err != nil {
		rep = &Reply{Req: req.Req, Error: err.Error()}
	}
	rep.Req = req.Req
	if err := sc.reply(rep); err != nil {
		s.log.DebugMsg("failed to reply", "holder", holder, "req", req.Req, "reason", err)
	}
}

func (s *Server) handle(ctx context.Context, zone, holder string, req *Request) (*Reply, error) {
	switch req.Cmd {
	case CmdGet:
		d, err := s.core.Shift(ctx, zone, holder)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return &Reply{}, nil
		}
		payload := deliveryPayload(d)
		payload.Blacklisted = s.core.BlacklistedAddrs(d.Domain)
		return &Reply{Delivery: payload}, nil

	case CmdRelease:
		d, err := s.loadLocked(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := s.core.ReleaseDelivery(ctx, d, false); err != nil {
			return nil, err
		}
		return &Reply{OK: req.ID + "." + req.Seq}, nil

	case CmdDefer:
		d, err := s.loadLocked(ctx, req)
		if err != nil {
			return nil, err
		}
		ttl := time.Duration(req.TTLMillis) * time.Millisecond
		if ttl <= 0 {
			return nil, fmt.Errorf("DEFER without a positive ttl")
		}
		for _, addr := range req.Blacklist {
			s.core.Blacklist(d.Domain, addr)
		}
		if err := s.core.DeferDelivery(ctx, d, ttl, req.Response, req.Log, nil); err != nil {
			return nil, err
		}
		return &Reply{OK: req.ID + "." + req.Seq}, nil

	case CmdBounce:
		d, err := s.loadLocked(ctx, req)
		if err != nil {
			return nil, err
		}
		s.core.Bounce(ctx, *d, req.Response)
		if err := s.core.ReleaseDelivery(ctx, d, false); err != nil {
			return nil, err
		}
		return &Reply{OK: req.ID + "." + req.Seq}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", req.Cmd)
	}
}

// loadLocked resolves the delivery a worker reports about and verifies
// it echoes the lock key it was handed.
func (s *Server) loadLocked(ctx context.Context, req *Request) (*queue.Delivery, error) {
	if req.ID == "" || req.Seq == "" {
		return nil, fmt.Errorf("%s without id/seq", req.Cmd)
	}
	d, err := s.core.Delivery(ctx, req.ID, req.Seq)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("no such delivery %s.%s", req.ID, req.Seq)
	}
	if req.Lock != "" && req.Lock != d.LockKey {
		return nil, fmt.Errorf("lock key mismatch for %s.%s", req.ID, req.Seq)
	}
	return d, nil
}
