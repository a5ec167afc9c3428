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

// Package api serves the HTTP status and submission interface of the
// master process: queue counters, message lookup, patching and fetch,
// structured and raw submission, and suppression list management.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/router"
	"github.com/outpost-mta/outpost/internal/suppress"
	"github.com/outpost-mta/outpost/internal/zones"
)

const (
	defaultListLimit = 1000
	maxListLimit     = 10000
)

// SuppressionStore is the mutable suppression backend. Only the Mongo
// backend implements it; a static list makes the endpoints read-only.
type SuppressionStore interface {
	Add(ctx context.Context, e suppress.Entry) (suppress.Entry, error)
	Remove(ctx context.Context, id string) (bool, error)
	Entries(ctx context.Context, filter string, limit int) ([]suppress.Entry, error)
}

// ProcessedCounter reports rows finalized since startup. The scheduler
// implements it.
type ProcessedCounter interface {
	Processed(zone string) int64
}

// Updater applies whitelisted patches to queued rows. The scheduler
// implements it.
type Updater interface {
	Update(ctx context.Context, id, seq string, set map[string]interface{}) error
}

type Server struct {
	store  queue.Store
	bodies blob.Store
	router *router.Router
	ids    *msgid.Generator
	zones  *zones.Set
	log    log.Logger

	// Optional. Nil disables the suppression endpoints, the processed
	// counter and the message update endpoint respectively.
	Suppression SuppressionStore
	Processed   ProcessedCounter
	Updater     Updater
}

func New(store queue.Store, bodies blob.Store, rtr *router.Router, ids *msgid.Generator, zoneSet *zones.Set) *Server {
	return &Server{
		store:  store,
		bodies: bodies,
		router: rtr,
		ids:    ids,
		zones:  zoneSet,
		log:    log.Logger{Name: "api"},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/queue/{zone}", s.queueCounts)
	r.Get("/queued/{state}/{zone}", s.queuedList)
	r.Get("/fetch/{id}", s.fetchBody)
	r.Get("/message/{id}", s.messageStatus)
	r.Put("/message/{id}", s.messageUpdate)
	r.Post("/send", s.send)
	r.Post("/send-raw", s.sendRaw)

	r.Get("/suppressionlist", s.suppressionList)
	r.Post("/suppressionlist", s.suppressionAdd)
	r.Delete("/suppressionlist/{id}", s.suppressionRemove)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func (s *Server) queueCounts(w http.ResponseWriter, r *http.Request) {
	zone := chi.URLParam(r, "zone")
	if _, ok := s.zones.Zone(zone); !ok {
		writeError(w, http.StatusNotFound, "unknown zone")
		return
	}

	counts, err := s.store.Counts(r.Context(), zone)
	if err != nil {
		s.log.Error("counts query failed", err, "zone", zone)
		writeError(w, http.StatusInternalServerError, "counts query failed")
		return
	}
	domains, err := s.store.DomainCounts(r.Context(), zone, listLimit(r))
	if err != nil {
		s.log.Error("domain counts query failed", err, "zone", zone)
		writeError(w, http.StatusInternalServerError, "counts query failed")
		return
	}

	var processed int64
	if s.Processed != nil {
		processed = s.Processed.Processed(zone)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"zone":      zone,
		"queued":    counts.Queued,
		"deferred":  counts.Deferred,
		"processed": processed,
		"domains":   domains,
	})
}

// rowSummary is the wire form of one delivery row in list and status
// responses.
type rowSummary struct {
	ID        string `json:"id"`
	Seq       string `json:"seq"`
	Recipient string `json:"recipient"`
	Domain    string `json:"domain"`
	Zone      string `json:"zone"`

	Status string    `json:"status"`
	Queued time.Time `json:"queued"`
	Posted time.Time `json:"posted"`

	DeferCount int    `json:"deferCount,omitempty"`
	Response   string `json:"response,omitempty"`
}

func summarize(d *queue.Delivery) rowSummary {
	sum := rowSummary{
		ID:        d.ID,
		Seq:       d.Seq,
		Recipient: d.Recipient,
		Domain:    d.Domain,
		Zone:      d.SendingZone,
		Status:    "queued",
		Queued:    d.Queued,
		Posted:    d.Created,
	}
	if d.Queued.After(time.Now()) {
		sum.Status = "deferred"
	}
	if d.Deferred != nil {
		sum.DeferCount = d.Deferred.Count
		sum.Response = d.Deferred.Response
	}
	return sum
}

func (s *Server) queuedList(w http.ResponseWriter, r *http.Request) {
	zone := chi.URLParam(r, "zone")
	state := chi.URLParam(r, "state")
	if state != "active" && state != "deferred" {
		writeError(w, http.StatusNotFound, "state must be active or deferred")
		return
	}
	if _, ok := s.zones.Zone(zone); !ok {
		writeError(w, http.StatusNotFound, "unknown zone")
		return
	}

	rows, err := s.store.List(r.Context(), zone, state == "deferred", listLimit(r))
	if err != nil {
		s.log.Error("list query failed", err, "zone", zone)
		writeError(w, http.StatusInternalServerError, "list query failed")
		return
	}
	out := make([]rowSummary, 0, len(rows))
	for i := range rows {
		out = append(out, summarize(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"zone": zone,
		"list": out,
	})
}

func (s *Server) fetchBody(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.bodies.Open(r.Context(), id)
	if errors.Is(err, blob.ErrNoSuchBody) {
		writeError(w, http.StatusNotFound, "no such message")
		return
	}
	if err != nil {
		s.log.Error("body open failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "body open failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.eml"`)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Error("body stream aborted", err, "id", id)
	}
}

func (s *Server) messageStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	meta, err := s.bodies.Meta(r.Context(), id)
	if err != nil && !errors.Is(err, blob.ErrNoSuchBody) {
		s.log.Error("meta load failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "meta load failed")
		return
	}
	rows, err := s.store.Message(r.Context(), id)
	if err != nil {
		s.log.Error("message query failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "message query failed")
		return
	}
	if meta == nil && len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no such message")
		return
	}

	recipients := make([]rowSummary, 0, len(rows))
	for i := range rows {
		recipients = append(recipients, summarize(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         id,
		"meta":       meta,
		"recipients": recipients,
	})
}

// messageUpdate applies a whitelisted patch to the queue rows of one
// message, or to a single row when seq= is given. The body is a JSON
// object mapping field names to values; queued takes an RFC 3339
// timestamp, which is how an operator forces an immediate retry or
// pushes a message further out.
func (s *Server) messageUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Updater == nil {
		writeError(w, http.StatusNotFound, "message updates are not configured")
		return
	}
	id := chi.URLParam(r, "id")

	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch")
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty patch")
		return
	}
	set := make(map[string]interface{}, len(patch))
	for field, value := range patch {
		if !queue.AllowedPatchField(field) {
			writeError(w, http.StatusBadRequest, "field "+field+" cannot be patched")
			return
		}
		if field == "queued" {
			raw, ok := value.(string)
			if !ok {
				writeError(w, http.StatusBadRequest, "queued must be an RFC 3339 string")
				return
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "queued must be an RFC 3339 string")
				return
			}
			value = t
		}
		set[field] = value
	}

	rows, err := s.store.Message(r.Context(), id)
	if err != nil {
		s.log.Error("message query failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "message query failed")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no such message")
		return
	}

	if err := s.Updater.Update(r.Context(), id, r.URL.Query().Get("seq"), set); err != nil {
		s.log.Error("message update failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "message update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// sendRaw accepts a full RFC 5322 message as the request body. The
// envelope comes from the query string: from, one or more to, optional
// zone and deferDelivery (RFC 3339).
func (s *Server) sendRaw(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from := query.Get("from")
	var to []string
	for _, rcpt := range query["to"] {
		for _, one := range strings.Split(rcpt, ",") {
			if one = strings.TrimSpace(one); one != "" {
				to = append(to, one)
			}
		}
	}
	if len(to) == 0 {
		writeError(w, http.StatusBadRequest, "at least one to= recipient is required")
		return
	}

	var deferUntil time.Time
	if raw := query.Get("deferDelivery"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "deferDelivery must be RFC 3339")
			return
		}
		deferUntil = t
	}

	bodyReader := bufio.NewReader(r.Body)
	header, err := textproto.ReadHeader(bodyReader)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed message header")
		return
	}

	s.enqueue(w, r, from, to, query.Get("zone"), deferUntil, header, bodyReader)
}

// send accepts a structured JSON submission and composes the RFC 5322
// message server side. Clients that build the message themselves use
// /send-raw instead.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From          string            `json:"from"`
		To            []string          `json:"to"`
		Zone          string            `json:"zone"`
		DeferDelivery string            `json:"deferDelivery"`
		Subject       string            `json:"subject"`
		Text          string            `json:"text"`
		Headers       map[string]string `json:"headers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	if len(req.To) == 0 {
		writeError(w, http.StatusBadRequest, "at least one to recipient is required")
		return
	}
	var deferUntil time.Time
	if req.DeferDelivery != "" {
		t, err := time.Parse(time.RFC3339, req.DeferDelivery)
		if err != nil {
			writeError(w, http.StatusBadRequest, "deferDelivery must be RFC 3339")
			return
		}
		deferUntil = t
	}

	var header textproto.Header
	for key, value := range req.Headers {
		header.Set(key, value)
	}
	if req.Subject != "" {
		header.Set("Subject", req.Subject)
	}
	if !header.Has("From") {
		header.Set("From", req.From)
	}
	if !header.Has("To") {
		header.Set("To", strings.Join(req.To, ", "))
	}
	if !header.Has("Date") {
		header.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	}
	if !header.Has("Content-Type") {
		header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	s.enqueue(w, r, req.From, req.To, req.Zone, deferUntil, header, strings.NewReader(req.Text))
}

// enqueue stores the message body and routes the envelope into the
// queue. Both submission endpoints end up here.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, from string, to []string, zone string, deferUntil time.Time, header textproto.Header, rest io.Reader) {
	origin := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		origin = host
	}
	var headers []zones.HeaderField
	for fields := header.Fields(); fields.Next(); {
		headers = append(headers, zones.HeaderField{Key: fields.Key(), Value: fields.Value()})
	}

	id := s.ids.Get()
	body, err := s.bodies.Create(r.Context(), id, blob.UnknownSize, map[string]interface{}{
		"from":      from,
		"to":        to,
		"origin":    origin,
		"transtype": "HTTP",
	})
	if err != nil {
		s.log.Error("body create failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "body store failed")
		return
	}
	if err := textproto.WriteHeader(body, header); err == nil {
		_, err = io.Copy(body, rest)
	}
	if err == nil {
		err = body.Sync()
	}
	body.Close()
	if err != nil {
		s.log.Error("body write failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "body store failed")
		return
	}

	rows, err := s.router.Push(r.Context(), router.Envelope{
		MessageID:     id,
		From:          from,
		To:            to,
		Origin:        origin,
		Headers:       headers,
		SendingZone:   zone,
		DeferDelivery: deferUntil,
	})
	if err != nil {
		if delErr := s.bodies.Delete(r.Context(), []string{id}); delErr != nil {
			s.log.Error("cannot delete body of a rejected message", delErr, "id", id)
		}
		status := http.StatusInternalServerError
		var smtpErr *exterrors.SMTPError
		if errors.As(err, &smtpErr) {
			if smtpErr.Temporary() {
				status = http.StatusServiceUnavailable
			} else {
				status = http.StatusBadRequest
			}
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"queued": len(rows),
	})
}

func (s *Server) suppressionList(w http.ResponseWriter, r *http.Request) {
	if s.Suppression == nil {
		writeError(w, http.StatusNotFound, "suppression list is not configured")
		return
	}
	entries, err := s.Suppression.Entries(r.Context(), r.URL.Query().Get("filter"), listLimit(r))
	if err != nil {
		s.log.Error("suppression query failed", err)
		writeError(w, http.StatusInternalServerError, "suppression query failed")
		return
	}
	if entries == nil {
		entries = []suppress.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suppressed": entries})
}

func (s *Server) suppressionAdd(w http.ResponseWriter, r *http.Request) {
	if s.Suppression == nil {
		writeError(w, http.StatusNotFound, "suppression list is not configured")
		return
	}
	var entry suppress.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "malformed entry")
		return
	}
	if entry.Address == "" && entry.Domain == "" {
		writeError(w, http.StatusBadRequest, "either address or domain is required")
		return
	}
	added, err := s.Suppression.Add(r.Context(), entry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, added)
}

func (s *Server) suppressionRemove(w http.ResponseWriter, r *http.Request) {
	if s.Suppression == nil {
		writeError(w, http.StatusNotFound, "suppression list is not configured")
		return
	}
	removed, err := s.Suppression.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("suppression remove failed", err)
		writeError(w, http.StatusInternalServerError, "suppression remove failed")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}
