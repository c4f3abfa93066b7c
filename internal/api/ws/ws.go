package ws

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/pubsub"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	outBuffer    = 64
)

// SYMBOL@depth streams level diffs, SYMBOL@depthN streams the top N levels
// after every change.
var streamRE = regexp.MustCompile(`^([A-Za-z0-9]{1,20})@depth([0-9]+)?$`)

type DepthSource interface {
	Depth(symbol string, n int) (domain.Depth, error)
}

type Request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     *int64   `json:"id"`
}

type Response struct {
	Result any    `json:"result"`
	ID     *int64 `json:"id"`
	Error  string `json:"error,omitempty"`
}

type DepthUpdate struct {
	Event         string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID uint64      `json:"U"`
	FinalUpdateID uint64      `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

type StreamMessage struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

type Server struct {
	hub      *pubsub.Hub
	source   DepthSource
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.Logger
}

func NewServer(hub *pubsub.Hub, source DepthSource, buffer int, logger *zap.Logger) *Server {
	return &Server{
		hub:      hub,
		source:   source,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		buffer:   buffer,
		logger:   logger,
	}
}

type stream struct {
	name   string
	symbol string
	levels int
	sub    *pubsub.Subscription
}

type session struct {
	srv  *Server
	ws   *websocket.Conn
	out  chan any
	done chan struct{}

	mu      sync.Mutex
	streams map[string]*stream
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := &session{
		srv:     s,
		ws:      conn,
		out:     make(chan any, outBuffer),
		done:    make(chan struct{}),
		streams: make(map[string]*stream),
	}
	go sess.writeLoop()
	sess.readLoop()

	close(sess.done)
	sess.unsubscribeAll()
	conn.Close()
}

func (sess *session) readLoop() {
	for {
		var req Request
		if err := sess.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.srv.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		sess.handle(req)
	}
}

func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case msg := <-sess.out:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteJSON(msg); err != nil {
				sess.ws.Close()
				return
			}
		case <-ticker.C:
			if err := sess.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				sess.ws.Close()
				return
			}
		}
	}
}

func (sess *session) send(msg any) bool {
	select {
	case sess.out <- msg:
		return true
	case <-sess.done:
		return false
	}
}

func (sess *session) handle(req Request) {
	switch strings.ToUpper(req.Method) {
	case "SUBSCRIBE":
		for _, name := range req.Params {
			if err := sess.subscribe(name); err != nil {
				sess.send(Response{ID: req.ID, Error: err.Error()})
				return
			}
		}
		sess.send(Response{ID: req.ID})
	case "UNSUBSCRIBE":
		for _, name := range req.Params {
			sess.unsubscribe(name)
		}
		sess.send(Response{ID: req.ID})
	case "LIST_SUBSCRIPTIONS":
		sess.send(Response{ID: req.ID, Result: sess.names()})
	default:
		sess.send(Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func parseStream(name string) (symbol string, levels int, err error) {
	m := streamRE.FindStringSubmatch(name)
	if m == nil {
		return "", 0, fmt.Errorf("invalid stream %q", name)
	}
	if m[2] != "" {
		levels, err = strconv.Atoi(m[2])
		if err != nil || levels <= 0 {
			return "", 0, fmt.Errorf("invalid depth in stream %q", name)
		}
	}
	return strings.ToUpper(m[1]), levels, nil
}

func (sess *session) subscribe(name string) error {
	symbol, levels, err := parseStream(name)
	if err != nil {
		return err
	}
	key := symbol + "@depth"
	if levels > 0 {
		key += strconv.Itoa(levels)
	}

	sess.mu.Lock()
	if _, ok := sess.streams[key]; ok {
		sess.mu.Unlock()
		return nil
	}
	// the first snapshot also proves the book exists
	var initial domain.Depth
	if levels > 0 {
		if initial, err = sess.srv.source.Depth(symbol, levels); err != nil {
			sess.mu.Unlock()
			return err
		}
	}
	st := &stream{name: key, symbol: symbol, levels: levels, sub: sess.srv.hub.Subscribe(symbol, sess.srv.buffer)}
	sess.streams[key] = st
	sess.mu.Unlock()

	if levels > 0 {
		sess.send(StreamMessage{Stream: key, Data: dto.FromDepth(initial)})
	}
	go sess.forward(st)
	return nil
}

func (sess *session) forward(st *stream) {
	for ev := range st.sub.Events() {
		var data any
		if st.levels > 0 {
			d, err := sess.srv.source.Depth(st.symbol, st.levels)
			if err != nil {
				continue
			}
			data = dto.FromDepth(d)
		} else {
			if len(ev.Bids) == 0 && len(ev.Asks) == 0 {
				continue
			}
			data = diff(ev)
		}
		if !sess.send(StreamMessage{Stream: st.name, Data: data}) {
			return
		}
	}
}

func diff(ev domain.Event) DepthUpdate {
	d := dto.FromDepth(domain.Depth{Bids: ev.Bids, Asks: ev.Asks})
	return DepthUpdate{
		Event:         "depthUpdate",
		EventTime:     ev.Time.UnixMilli(),
		Symbol:        ev.Symbol,
		FirstUpdateID: ev.Version,
		FinalUpdateID: ev.Version,
		Bids:          d.Bids,
		Asks:          d.Asks,
	}
}

func (sess *session) unsubscribe(name string) {
	symbol, levels, err := parseStream(name)
	if err != nil {
		return
	}
	key := symbol + "@depth"
	if levels > 0 {
		key += strconv.Itoa(levels)
	}
	sess.mu.Lock()
	st, ok := sess.streams[key]
	delete(sess.streams, key)
	sess.mu.Unlock()
	if ok {
		st.sub.Close()
	}
}

func (sess *session) unsubscribeAll() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for k, st := range sess.streams {
		st.sub.Close()
		delete(sess.streams, k)
	}
}

func (sess *session) names() []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	res := make([]string, 0, len(sess.streams))
	for k := range sess.streams {
		res = append(res, k)
	}
	return res
}
