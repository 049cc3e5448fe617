package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/hub"
	"github.com/DoyleJ11/coinflip-royale/internal/session"
	"github.com/DoyleJ11/coinflip-royale/internal/view"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

const (
	codeAttempts = 8
	stateTimeout = 2 * time.Second
)

var errSessionUnavailable = errors.New("session unavailable")

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateRoomRequest is the creator's join request. Zero fields keep the server defaults.
type CreateRoomRequest struct {
	Creator    string          `json:"creator"`
	EntryFee   *int64          `json:"entry_fee,omitempty"`
	Capacity   int             `json:"capacity,omitempty"`
	MinPlayers int             `json:"min_players,omitempty"`
	Variant    string          `json:"variant,omitempty"`
	Lives      int             `json:"lives,omitempty"`
	Cosmetic   json.RawMessage `json:"cosmetic,omitempty"`
}

func (req CreateRoomRequest) rules(defaults engine.Rules) engine.Rules {
	r := defaults
	if req.EntryFee != nil {
		r.EntryFee = *req.EntryFee
	}
	if req.Capacity != 0 {
		r.Capacity = req.Capacity
		if r.MinPlayers > r.Capacity {
			r.MinPlayers = r.Capacity
		}
	}
	if req.MinPlayers != 0 {
		r.MinPlayers = req.MinPlayers
	}
	if req.Variant != "" {
		r.Variant = engine.Variant(req.Variant)
	}
	if req.Lives != 0 {
		r.Lives = req.Lives
	}
	return r
}

type CreateRoomResponse struct {
	RoomID string         `json:"room_id"`
	State  types.Snapshot `json:"state"`
}

func CreateRoom(h *hub.Hub, defaults engine.Rules, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		if req.Creator == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "creator is required")
			return
		}
		rules := req.rules(defaults)

		var created hub.Created
		for i := 0; i < codeAttempts; i++ {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", "failed to generate code")
				return
			}
			reply := make(chan hub.Created, 1)
			h.Post(hub.CreateRoom{ID: code, Rules: rules, Creator: req.Creator, Cosmetic: req.Cosmetic, Reply: reply})
			select {
			case created = <-reply:
			case <-r.Context().Done():
				return
			}
			if !errors.Is(created.Err, hub.ErrRoomExists) {
				break
			}
			logger.Debug("collision on room code, regenerating", zap.String("room", code))
		}
		if created.Err != nil {
			if errors.Is(created.Err, hub.ErrRoomExists) {
				writeError(w, http.StatusServiceUnavailable, "unavailable", "could not allocate a room code")
				return
			}
			writeError(w, http.StatusBadRequest, view.ErrorCode(created.Err), created.Err.Error())
			return
		}

		v, err := stateOf(r.Context(), created.Session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, CreateRoomResponse{RoomID: created.Session.ID(), State: v.Snapshot})
	}
}

func ListRooms(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []hub.Room, 1)
		h.Post(hub.ListRooms{Reply: reply})
		var rooms []hub.Room
		select {
		case rooms = <-reply:
		case <-r.Context().Done():
			return
		}

		out := make([]types.RoomSummary, 0, len(rooms))
		for _, room := range rooms {
			v, err := stateOf(r.Context(), room.Session)
			if err != nil {
				// Ended and already stopping.
				continue
			}
			out = append(out, types.RoomSummary{
				RoomID:   room.ID,
				Phase:    string(v.State.Phase),
				Joined:   v.State.Occupied(),
				Capacity: v.State.Rules.Capacity,
				EntryFee: v.State.Rules.EntryFee,
				Prize:    v.Snapshot.Prize,
				Members:  room.Members,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reply := make(chan *session.Session, 1)
		h.Post(hub.GetRoom{ID: id, Reply: reply})
		var s *session.Session
		select {
		case s = <-reply:
		case <-r.Context().Done():
			return
		}
		if s == nil {
			writeError(w, http.StatusNotFound, "not_found", "room not found")
			return
		}
		v, err := stateOf(r.Context(), s)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "room not found")
			return
		}
		writeJSON(w, http.StatusOK, v.Snapshot)
	}
}

func PublicKey(pub ed25519.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(pub) == 0 {
			writeError(w, http.StatusNotFound, "not_found", "no signing key configured")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Algorithm string `json:"algorithm"`
			PublicKey string `json:"public_key"`
		}{Algorithm: "ed25519", PublicKey: hex.EncodeToString(pub)})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func stateOf(ctx context.Context, s *session.Session) (session.View, error) {
	ctx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()

	reply := make(chan session.View, 1)
	select {
	case s.Inbox() <- session.GetState{Reply: reply}:
	case <-s.Done():
		return session.View{}, errSessionUnavailable
	case <-ctx.Done():
		return session.View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.Done():
		return session.View{}, errSessionUnavailable
	case <-ctx.Done():
		return session.View{}, ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.Error{Code: code, Message: msg})
}
