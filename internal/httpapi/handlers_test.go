package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/hub"
	"github.com/DoyleJ11/coinflip-royale/internal/session"
	"github.com/DoyleJ11/coinflip-royale/internal/ws"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	factory := func(ctx context.Context, initial engine.State, onEnded func(string)) *session.Session {
		return session.New(ctx, initial, session.Deps{OnEnded: onEnded})
	}
	h := hub.NewHub(context.Background(), factory, nil)
	srv := httptest.NewServer(SetupRoutes(h, Options{Defaults: engine.DefaultRules(), WS: ws.DefaultOptions()}))
	t.Cleanup(func() {
		srv.Close()
		h.Post(hub.ShutdownHub{})
		<-h.Done()
	})
	return srv
}

func createRoom(t *testing.T, srv *httptest.Server, body string) (*http.Response, CreateRoomResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/rooms", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out CreateRoomResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), "unexpected rune %q", c)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateRoom_SeatsCreator(t *testing.T) {
	srv := newTestServer(t)
	resp, out := createRoom(t, srv, `{"creator":"0xaaa","entry_fee":50,"capacity":4,"cosmetic":{"hat":"red"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Len(t, out.RoomID, 6)
	assert.Equal(t, "filling", out.State.Phase)
	assert.Equal(t, 4, out.State.Capacity)
	assert.Equal(t, int64(50), out.State.EntryFee)
	require.Len(t, out.State.Slots, 4)
	require.NotNil(t, out.State.Slots[0].Player)
	assert.Equal(t, "0xaaa", out.State.Slots[0].Player.Address)
	assert.JSONEq(t, `{"hat":"red"}`, string(out.State.Slots[0].Player.Cosmetic))
	assert.Nil(t, out.State.Slots[1].Player)
}

func TestCreateRoom_Rejections(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{`, "bad_request"},
		{"no creator", `{"entry_fee":10}`, "bad_request"},
		{"capacity too large", `{"creator":"0xa","capacity":9}`, "invalid_rules"},
		{"unknown variant", `{"creator":"0xa","variant":"dice"}`, "invalid_rules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/rooms", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var e types.Error
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.Equal(t, tc.code, e.Code)
		})
	}
}

func TestListAndGetRooms(t *testing.T) {
	srv := newTestServer(t)
	_, a := createRoom(t, srv, `{"creator":"0xa"}`)
	_, b := createRoom(t, srv, `{"creator":"0xb","capacity":3}`)

	resp, err := http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	var list []types.RoomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 2)
	ids := map[string]types.RoomSummary{}
	for _, r := range list {
		ids[r.RoomID] = r
	}
	assert.Equal(t, 1, ids[a.RoomID].Joined)
	assert.Equal(t, 3, ids[b.RoomID].Capacity)

	resp, err = http.Get(srv.URL + "/rooms/" + a.RoomID)
	require.NoError(t, err)
	var snap types.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, a.RoomID, snap.RoomID)
	assert.Equal(t, "0xa", snap.Creator)

	resp, err = http.Get(srv.URL + "/rooms/NOPE00")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server, room, address string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=" + room + "&address=" + address
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m types.ServerMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func TestWebsocket_JoinBroadcastsSnapshot(t *testing.T) {
	srv := newTestServer(t)
	_, room := createRoom(t, srv, `{"creator":"0xa","capacity":3}`)

	creator := dial(t, srv, room.RoomID, "0xa")
	first := readMsg(t, creator)
	require.Equal(t, types.ServerStateSnapshot, first.Type)
	require.NotNil(t, first.State)

	joiner := dial(t, srv, room.RoomID, "0xb")
	readMsg(t, joiner)
	send(t, joiner, `{"type":"join_room"}`)

	for _, conn := range []*websocket.Conn{creator, joiner} {
		m := readMsg(t, conn)
		require.Equal(t, types.ServerStateSnapshot, m.Type)
		require.NotNil(t, m.State.Slots[1].Player)
		assert.Equal(t, "0xb", m.State.Slots[1].Player.Address)
	}

	// Rejections only reach the sender.
	send(t, joiner, `{"type":"join_room"}`)
	m := readMsg(t, joiner)
	require.Equal(t, types.ServerError, m.Type)
	assert.Equal(t, "already_joined", m.Error.Code)

	send(t, joiner, `not json`)
	m = readMsg(t, joiner)
	require.Equal(t, types.ServerError, m.Type)
	assert.Equal(t, "bad_request", m.Error.Code)

	send(t, creator, `{"type":"request_full_state"}`)
	m = readMsg(t, creator)
	assert.Equal(t, types.ServerStateSnapshot, m.Type)
}

func TestWebsocket_UnknownRoom(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=NOPE00&address=0xa"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublicKey(t *testing.T) {
	pub := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	srv := httptest.NewServer(SetupRoutes(nil, Options{PublicKey: pub}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/fairness/key")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Algorithm string `json:"algorithm"`
		PublicKey string `json:"public_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ed25519", body.Algorithm)
	assert.Equal(t, hex.EncodeToString(pub), body.PublicKey)
}
