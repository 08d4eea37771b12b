package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WSMessage represents a message from the client
type WSMessage struct {
	Action         string  `json:"action"` // submit | vote | revenge | status | events | resolve | skip_night
	PhaseSeq       int     `json:"phase_seq,omitempty"`
	PowerID        string  `json:"power_id,omitempty"`
	TargetIDs      []int64 `json:"target_ids,omitempty"`
	TargetPlayerID int64   `json:"target_player_id,omitempty"`
	Force          bool    `json:"force,omitempty"`
	SinceID        int64   `json:"since_id,omitempty"`
}

// wsEnvelope is every server-to-client message.
type wsEnvelope struct {
	Type    string        `json:"type"` // toast | outcome | status | events | story
	Toast   *Toast        `json:"toast,omitempty"`
	Outcome *Outcome      `json:"outcome,omitempty"`
	Status  *PhaseStatus  `json:"status,omitempty"`
	Events  []EventRecord `json:"events,omitempty"`
	Story   string        `json:"story,omitempty"`
}

// writeWait bounds a single websocket write; a client that cannot keep up
// is dropped.
const writeWait = 5 * time.Second

// Client represents a websocket connection bound to one player in one game
type Client struct {
	conn     *websocket.Conn
	gameID   int64
	playerID int64
	operator bool
	limiter  *rate.Limiter
	writeMu  sync.Mutex // gorilla/websocket allows one concurrent writer
}

// Hub tracks connections per game and fans outcomes out to them.
type Hub struct {
	db    *sqlx.DB
	coord *PhaseCoordinator

	submitRate  rate.Limit
	submitBurst int

	mu      sync.RWMutex
	clients map[*websocket.Conn]*Client
}

func newHub(db *sqlx.DB, coord *PhaseCoordinator, submitRate float64, submitBurst int) *Hub {
	if submitBurst <= 0 {
		submitBurst = 1
	}
	limit := rate.Inf
	if submitRate > 0 {
		limit = rate.Limit(submitRate)
	}
	return &Hub{
		db:          db,
		coord:       coord,
		submitRate:  limit,
		submitBurst: submitBurst,
		clients:     make(map[*websocket.Conn]*Client),
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.conn] = client
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("WebSocket client connected (game %d, player %d). Total: %d", client.gameID, client.playerID, total)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	delete(h.clients, conn)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		DebugLog("hub.unregister", "player %d left game %d. Total: %d", client.playerID, client.gameID, total)
	}
}

// gameClients snapshots the connections of one game so writes happen
// without holding the hub lock.
func (h *Hub) gameClients(gameID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, c := range h.clients {
		if c.gameID == gameID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) send(client *Client, env wsEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	LogWSMessage("OUT", strconv.FormatInt(client.playerID, 10), string(data))
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return client.conn.WriteMessage(websocket.TextMessage, data)
}

// broadcast writes env to every connection of the game in parallel and drops
// the connections that failed.
func (h *Hub) broadcast(gameID int64, env wsEnvelope) {
	clients := h.gameClients(gameID)
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	var g errgroup.Group
	g.SetLimit(16)
	for _, c := range clients {
		g.Go(func() error {
			if err := h.send(c, env); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
				return fmt.Errorf("player %d: %w", c.playerID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("WebSocket broadcast to game %d: %v", gameID, err)
	}
	for _, conn := range failed {
		h.unregister(conn)
	}
}

// OnOutcome pushes the public view of a resolution to the game's clients.
func (h *Hub) OnOutcome(out *Outcome) {
	h.broadcast(out.GameID, wsEnvelope{Type: "outcome", Outcome: out.publicView()})
}

func (h *Hub) handleWSMessage(ctx context.Context, client *Client, message []byte) {
	LogWSMessage("IN", strconv.FormatInt(client.playerID, 10), string(message))

	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.sendToast(client, toast("error", "malformed message"))
		return
	}

	switch msg.Action {
	case "submit", "vote", "revenge":
		if !client.limiter.Allow() {
			h.sendToast(client, toast("warning", "too many submissions, slow down"))
			return
		}
	}

	switch msg.Action {
	case "submit":
		_, err := h.coord.Ledger.Submit(ctx, SubmitRequest{
			GameID: client.gameID, PlayerID: client.playerID, PhaseSeq: msg.PhaseSeq,
			PowerID: msg.PowerID, TargetIDs: msg.TargetIDs,
		})
		h.reply(client, err)
	case "vote":
		err := h.coord.Ledger.SubmitVote(ctx, VoteRequest{
			GameID: client.gameID, VoterID: client.playerID, PhaseSeq: msg.PhaseSeq, TargetID: msg.TargetPlayerID,
		})
		h.reply(client, err)
	case "revenge":
		_, err := h.coord.TakeRevengeShot(ctx, client.gameID, client.playerID, msg.TargetPlayerID)
		h.reply(client, err)
	case "status":
		st, err := h.coord.Ledger.Status(ctx, client.gameID)
		if err != nil {
			h.reply(client, err)
			return
		}
		h.send(client, wsEnvelope{Type: "status", Status: &st})
	case "events":
		events, err := getEventsForPlayer(ctx, h.db, client.gameID, client.playerID, msg.SinceID, client.operator)
		if err != nil {
			h.reply(client, err)
			return
		}
		h.send(client, wsEnvelope{Type: "events", Events: events})
	case "resolve", "skip_night":
		if !client.operator {
			h.sendToast(client, Toast{ID: toastCounter.Add(1), Type: "error", Message: "operator only", Reason: ReasonNotAllowed})
			return
		}
		var out *Outcome
		var err error
		if msg.Action == "resolve" {
			out, err = h.coord.Resolve(ctx, ResolveRequest{GameID: client.gameID, PhaseSeq: msg.PhaseSeq, Force: msg.Force})
		} else {
			out, err = h.coord.SkipNight(ctx, client.gameID, msg.PhaseSeq)
		}
		if err != nil {
			h.reply(client, err)
			return
		}
		h.send(client, wsEnvelope{Type: "outcome", Outcome: out})
	default:
		h.sendToast(client, toast("error", "unknown action "+strconv.Quote(msg.Action)))
	}
}

// reply acknowledges a submission. The outcome of an immediate power reaches
// everyone through OnOutcome.
func (h *Hub) reply(client *Client, err error) {
	if err != nil {
		if rejectReason(err) == "" {
			logError("handleWSMessage", err)
		}
		h.sendToast(client, toastForError(err))
		return
	}
	h.sendToast(client, toast("success", "recorded"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	playerID, err := getPlayerIdFromSession(r.Context(), s.db, r)
	if err != nil {
		DebugLog("handleWebSocket", "rejected connection: %v", err)
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}
	gameID, err := strconv.ParseInt(r.URL.Query().Get("game"), 10, 64)
	if err != nil {
		http.Error(w, "game is required", http.StatusBadRequest)
		return
	}
	if _, err := getPlayerInGame(r.Context(), s.db, gameID, playerID); err != nil {
		http.Error(w, "Not in this game", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for player %d: %v", playerID, err)
		return
	}

	client := &Client{
		conn:     conn,
		gameID:   gameID,
		playerID: playerID,
		operator: isOperator(r, s.cfg.OperatorToken),
		limiter:  rate.NewLimiter(s.hub.submitRate, s.hub.submitBurst),
	}
	s.hub.register(client)

	go func() {
		defer s.hub.unregister(conn)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.hub.handleWSMessage(context.Background(), client, message)
		}
	}()
}
