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

// Package hooks is the in-process extension point registry. Plugins
// register typed callbacks at startup; the router, scheduler and dialer
// invoke them at fixed points of the message lifecycle. Registration is
// not synchronized and must finish before the first message flows.
package hooks

import (
	"context"
	"errors"
	"net"

	"github.com/outpost-mta/outpost/internal/queue"
)

// ErrDrop is returned by a routing hook to silently discard the message.
// The push succeeds from the submitter's point of view but nothing is
// queued.
var ErrDrop = errors.New("hooks: message dropped")

// RouteHook runs after routing decisions were made and before the rows
// are inserted. It may mutate the metadata and the delivery rows (zone
// reassignment, extra deferral). Returning ErrDrop discards the message,
// any other error fails the push.
type RouteHook func(ctx context.Context, meta map[string]interface{}, deliveries []*queue.Delivery) error

// DelayedHook runs after a delivery attempt was deferred.
type DelayedHook func(ctx context.Context, delivery queue.Delivery, response string)

// BounceHook runs after a delivery failed permanently, before the DSN is
// generated.
type BounceHook func(ctx context.Context, delivery queue.Delivery, response string)

// ConnectInfo is passed to connection hooks. LocalIP may be replaced to
// override the selected source address.
type ConnectInfo struct {
	Zone    string
	Domain  string
	MX      string
	LocalIP net.IP
}

// ConnectHook runs before an outbound SMTP connection is dialed. An
// error aborts the attempt with a temporary failure.
type ConnectHook func(ctx context.Context, info *ConnectInfo) error

// Registry holds the registered hooks. The zero value is usable.
type Registry struct {
	route   []RouteHook
	delayed []DelayedHook
	bounce  []BounceHook
	connect []ConnectHook
}

func (r *Registry) OnRoute(h RouteHook)     { r.route = append(r.route, h) }
func (r *Registry) OnDelayed(h DelayedHook) { r.delayed = append(r.delayed, h) }
func (r *Registry) OnBounce(h BounceHook)   { r.bounce = append(r.bounce, h) }
func (r *Registry) OnConnect(h ConnectHook) { r.connect = append(r.connect, h) }

// Route runs routing hooks in registration order, stopping at the first
// error.
func (r *Registry) Route(ctx context.Context, meta map[string]interface{}, deliveries []*queue.Delivery) error {
	for _, h := range r.route {
		if err := h(ctx, meta, deliveries); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Delayed(ctx context.Context, delivery queue.Delivery, response string) {
	for _, h := range r.delayed {
		h(ctx, delivery, response)
	}
}

func (r *Registry) Bounce(ctx context.Context, delivery queue.Delivery, response string) {
	for _, h := range r.bounce {
		h(ctx, delivery, response)
	}
}

// Connect runs connection hooks, stopping at the first error.
func (r *Registry) Connect(ctx context.Context, info *ConnectInfo) error {
	for _, h := range r.connect {
		if err := h(ctx, info); err != nil {
			return err
		}
	}
	return nil
}
