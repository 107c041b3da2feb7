package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"filedrop/internal/models"
	"filedrop/internal/notify"
	"filedrop/internal/transfer"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10

	// Sent to a connection right after upgrade so the client learns its id.
	eventRegistered = "device_registered"

	eventRequest  = "file_transfer_request"
	eventAccept   = "file_transfer_accept"
	eventReject   = "file_transfer_reject"
	eventComplete = "file_transfer_complete"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// Hub owns the signaling connections, keyed by device id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		log:     log.With().Str("component", "hub").Logger(),
	}
}

// Notify implements notify.Notifier. Events for unknown targets are dropped.
func (h *Hub) Notify(target, event string, payload any) {
	msg := outbound{Type: event, Payload: payload}
	if target == notify.Broadcast {
		h.mu.RLock()
		targets := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
		h.mu.RUnlock()
		for _, c := range targets {
			h.write(c, msg)
		}
		return
	}

	h.mu.RLock()
	c, ok := h.clients[target]
	h.mu.RUnlock()
	if !ok {
		h.log.Warn().Str("target", target).Str("event", event).Msg("dropping event for disconnected device")
		return
	}
	h.write(c, msg)
}

func (h *Hub) write(c *client, msg outbound) {
	if err := c.send(msg); err != nil {
		h.log.Warn().Err(err).Str("device_id", c.id).Str("event", msg.Type).Msg("websocket write failed, closing")
		c.conn.Close()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Close drops every connection. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type requestMessage struct {
	Target      string `json:"target"`
	FileName    string `json:"filename"`
	FileSize    int64  `json:"filesize"`
	IsDirectory bool   `json:"isDirectory"`
	TotalFiles  int    `json:"total_files"`
}

type transferMessage struct {
	TransferID string `json:"transfer_id"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{id: uuid.NewString(), conn: conn}
	s.hub.add(c)
	device := s.devices.Admit(c.id, r.URL.Query().Get("device_name"), clientAddress(r))
	s.hub.Notify(c.id, eventRegistered, device)

	defer func() {
		s.hub.remove(c.id)
		s.devices.Remove(c.id)
		conn.Close()
	}()

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Str("device_id", c.id).Msg("websocket read failed")
			}
			return
		}
		s.dispatch(device, msg)
	}
}

func (s *Server) dispatch(from models.Device, msg envelope) {
	log := s.log.With().Str("device_id", from.ID).Str("event", msg.Type).Logger()

	switch msg.Type {
	case eventRequest:
		var req requestMessage
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			log.Warn().Err(err).Msg("malformed transfer request")
			s.hub.Notify(from.ID, notify.EventTransferError, transfer.ErrorEvent{Error: transfer.ErrBadRequest.Error()})
			return
		}
		_, err := s.store.CreateRequest(transfer.Request{
			SenderID:     from.ID,
			RecipientID:  req.Target,
			DisplayName:  req.FileName,
			DeclaredSize: req.FileSize,
			IsDirectory:  req.IsDirectory,
			TotalFiles:   req.TotalFiles,
		})
		if err != nil {
			log.Warn().Err(err).Msg("transfer request refused")
			s.hub.Notify(from.ID, notify.EventTransferError, transfer.ErrorEvent{Error: transfer.Message(err)})
		}

	case eventAccept, eventReject, eventComplete:
		var m transferMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil || m.TransferID == "" {
			log.Warn().Err(err).Msg("message without transfer id")
			s.hub.Notify(from.ID, notify.EventTransferError, transfer.ErrorEvent{Error: "no transfer ID"})
			return
		}
		switch msg.Type {
		case eventAccept:
			if err := s.store.Accept(m.TransferID, from.ID); err != nil {
				log.Warn().Err(err).Str("transfer_id", m.TransferID).Msg("accept refused")
				s.hub.Notify(from.ID, notify.EventTransferError, transfer.ErrorEvent{
					TransferID: m.TransferID,
					Error:      transfer.Message(err),
				})
			}
		case eventReject:
			s.store.Reject(m.TransferID, from.ID)
		case eventComplete:
			s.store.Complete(m.TransferID)
		}

	default:
		log.Warn().Msg("unknown websocket event")
	}
}
