package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/eventbus"
	"github.com/BaSui01/fedrun/types"
)

const defaultEventWriteTimeout = 10 * time.Second

// EventsHandler upgrades GET /events to a websocket and relays bus events to
// the topics the client subscribes to.
type EventsHandler struct {
	bus            *eventbus.Bus
	verifier       TokenVerifier
	originPatterns []string
	writeTimeout   time.Duration
	logger         *zap.Logger
}

func NewEventsHandler(bus *eventbus.Bus, verifier TokenVerifier, originPatterns []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:            bus,
		verifier:       verifier,
		originPatterns: originPatterns,
		writeTimeout:   defaultEventWriteTimeout,
		logger:         logger.With(zap.String("handler", "events")),
	}
}

func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.HandleEvents)
}

// HandleEvents authenticates the upgrade request, then serves the session
// until the client disconnects or the request context ends.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get(HeaderAccessToken), r.Header.Get("Authorization"))
	if token == "" {
		// browsers cannot set headers on a websocket upgrade
		token = r.URL.Query().Get("token")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnauthorized, "invalid or missing access token").WithCause(err), h.logger)
		return
	}

	// the session outlives the server's read and write timeouts
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	s := &eventSession{
		conn:         conn,
		bus:          h.bus,
		subscriber:   eventbus.Subscriber{UserID: claims.UserID(), Central: claims.Central},
		subs:         make(map[string]*eventbus.Subscription),
		writeTimeout: h.writeTimeout,
		logger:       h.logger.With(zap.String("user_id", claims.UserID())),
	}
	s.logger.Debug("event stream opened")
	err = s.serve(r.Context())
	s.close()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Debug("event stream closed")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("event stream ended", zap.Error(err))
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

type eventSession struct {
	conn         *websocket.Conn
	bus          *eventbus.Bus
	subscriber   eventbus.Subscriber
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*eventbus.Subscription
	wg   sync.WaitGroup
}

func (s *eventSession) serve(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame api.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.write(ctx, api.ServerFrame{Type: api.FrameError, Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case api.FrameSubscribe:
			if !eventbus.KnownTopic(frame.Topic) {
				s.write(ctx, api.ServerFrame{Type: api.FrameError, Topic: frame.Topic, Message: "unknown topic"})
				continue
			}
			s.subscribe(ctx, frame.Topic)
			s.write(ctx, api.ServerFrame{Type: api.FrameAck, Topic: frame.Topic})
		case api.FrameUnsubscribe:
			s.unsubscribe(frame.Topic)
			s.write(ctx, api.ServerFrame{Type: api.FrameAck, Topic: frame.Topic})
		default:
			s.write(ctx, api.ServerFrame{Type: api.FrameError, Message: "unknown frame type " + frame.Type})
		}
	}
}

func (s *eventSession) subscribe(ctx context.Context, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return
	}
	sub := s.bus.Subscribe(topic, s.subscriber, eventbus.DefaultFilter(topic))
	s.subs[topic] = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.C() {
			err := s.write(ctx, api.ServerFrame{
				Type:    api.FrameEvent,
				Topic:   ev.Topic,
				ID:      ev.ID,
				Payload: ev.Payload,
				TS:      ev.Timestamp,
			})
			if err != nil {
				return
			}
		}
	}()
}

func (s *eventSession) unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// close drops every subscription and waits for the forwarders to drain.
func (s *eventSession) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*eventbus.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *eventSession) write(ctx context.Context, frame api.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}
