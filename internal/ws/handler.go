package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/hub"
	"github.com/DoyleJ11/coinflip-royale/internal/session"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

var (
	errBadJSON     = errors.New("bad json")
	errUnknownType = errors.New("unknown message type")
	errRateLimited = errors.New("too many messages")
)

type Options struct {
	OriginPatterns []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// MessagesPerSecond and Burst bound the actions a single connection may send.
	MessagesPerSecond float64
	Burst             int
	OutboxSize        int
}

func DefaultOptions() Options {
	return Options{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      3 * time.Second,
		MessagesPerSecond: 10,
		Burst:             20,
		OutboxSize:        32,
	}
}

func Handler(h *hub.Hub, opts Options, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		address := r.URL.Query().Get("address")
		if roomID == "" || address == "" {
			http.Error(w, "missing room or address", http.StatusBadRequest)
			return
		}

		connID := uuid.NewString()
		reply := make(chan *session.Session, 1)
		h.Post(hub.Attach{RoomID: roomID, ConnID: connID, Address: address, Reply: reply})
		var sess *session.Session
		select {
		case sess = <-reply:
		case <-r.Context().Done():
			return
		}
		if sess == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		defer h.Post(hub.Detach{RoomID: roomID, ConnID: connID})

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			logger.Info("websocket accept failed", zap.String("room", roomID), zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		log := logger.With(zap.String("room", roomID), zap.String("conn", connID), zap.String("address", address))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan types.ServerMessage, opts.OutboxSize)
		if !deliver(ctx, sess, session.Subscribe{ConnID: connID, Address: address, Outbox: out}) {
			return
		}
		defer deliver(context.Background(), sess, session.Unsubscribe{ConnID: connID})

		// Writer goroutine
		go func() {
			defer cancel()
			for msg := range out {
				if err := writeJSON(ctx, conn, opts.WriteTimeout, msg); err != nil {
					log.Debug("write failed", zap.Error(err))
					return
				}
			}
			// Outbox closed: the session dropped us or ended. The client reconnects and resyncs.
			conn.Close(websocket.StatusTryAgainLater, "resync")
		}()

		limiter := rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst)

		// Reader loop
		for {
			readCtx, readCancel := context.WithTimeout(ctx, opts.ReadTimeout)
			_, data, err := conn.Read(readCtx)
			readCancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.Error(err))
				}
				return
			}

			if !limiter.Allow() {
				_ = writeJSON(ctx, conn, opts.WriteTimeout, errorMessage("rate_limited", errRateLimited))
				continue
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = writeJSON(ctx, conn, opts.WriteTimeout, errorMessage("bad_request", errBadJSON))
				continue
			}

			if cm.Type == types.ClientRequestFullState {
				deliver(ctx, sess, session.RequestState{ConnID: connID})
				continue
			}
			cmd, ok := toEngineCommand(cm, address)
			if !ok {
				_ = writeJSON(ctx, conn, opts.WriteTimeout, errorMessage("bad_request", errUnknownType))
				continue
			}
			if !deliver(ctx, sess, session.FromClient{ConnID: connID, Cmd: cmd}) {
				return
			}
		}
	}
}

func toEngineCommand(m types.ClientMessage, address string) (engine.Command, bool) {
	switch m.Type {
	case types.ClientJoinRoom:
		return engine.Command{Type: engine.CmdJoin, Address: address, Cosmetic: m.Cosmetic}, true
	case types.ClientRequestEarlyStart:
		return engine.Command{Type: engine.CmdEarlyStart, Address: address}, true
	case types.ClientSubmitChoice:
		return engine.Command{Type: engine.CmdSubmitChoice, Address: address, Side: engine.Side(m.Side)}, true
	case types.ClientSubmitFlip:
		if m.Power == nil {
			return engine.Command{}, false
		}
		return engine.Command{Type: engine.CmdSubmitFlip, Address: address, Power: *m.Power}, true
	default:
		return engine.Command{}, false
	}
}

func deliver(ctx context.Context, s *session.Session, m session.Msg) bool {
	select {
	case s.Inbox() <- m:
		return true
	case <-s.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, timeout time.Duration, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func errorMessage(code string, err error) types.ServerMessage {
	return types.ServerMessage{Type: types.ServerError, Error: &types.Error{Code: code, Message: err.Error()}}
}
