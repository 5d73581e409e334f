package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"onloan/core/events"
	"onloan/storage/journal"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
	backlogPageSize  = 100
)

// Hub fans committed event records out to live stream subscribers. Emit is
// called while the engine holds its lock, so delivery never blocks: a
// subscriber whose buffer is full is dropped and must reconnect with a
// cursor.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	filter  journal.Filter
	updates chan events.Record
	dropped chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(ev events.Event) {
	rec, ok := ev.(events.Record)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !matches(sub.filter, rec) {
			continue
		}
		select {
		case sub.updates <- rec:
		default:
			close(sub.dropped)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// once the subscriber is done.
func (h *Hub) Subscribe(filter journal.Filter) (<-chan events.Record, <-chan struct{}, func()) {
	sub := &subscription{
		filter:  filter,
		updates: make(chan events.Record, subscriberBuffer),
		dropped: make(chan struct{}),
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.updates, sub.dropped, cancel
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func matches(filter journal.Filter, rec events.Record) bool {
	if filter.Type != "" && filter.Type != rec.Type {
		return false
	}
	if filter.Account != "" && !strings.EqualFold(filter.Account, rec.Subject) {
		return false
	}
	return rec.Seq > filter.AfterSeq
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter journal.Filter) error {
	updates, dropped, cancel := s.hub.Subscribe(filter)
	defer cancel()

	last := filter.AfterSeq
	if s.journal != nil && filter.AfterSeq > 0 {
		page := filter
		page.Limit = backlogPageSize
		for {
			backlog, err := s.journal.List(ctx, page)
			if err != nil {
				return err
			}
			for _, rec := range backlog {
				if err := writeRecord(ctx, conn, rec); err != nil {
					return err
				}
				last = rec.Seq
			}
			if len(backlog) < backlogPageSize {
				break
			}
			page.AfterSeq = last
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dropped:
			return conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
		case rec := <-updates:
			if rec.Seq <= last {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
			last = rec.Seq
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseEventFilter(r *http.Request) (journal.Filter, error) {
	query := r.URL.Query()
	filter := journal.Filter{
		Account: strings.TrimSpace(query.Get("account")),
		Type:    strings.TrimSpace(query.Get("type")),
	}
	if filter.Account != "" {
		addr, err := parseAddress(filter.Account)
		if err != nil {
			return journal.Filter{}, err
		}
		filter.Account = strings.ToLower(addr.Hex())
	}
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return journal.Filter{}, errInvalidQuery("after")
		}
		filter.AfterSeq = seq
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return journal.Filter{}, errInvalidQuery("limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}
