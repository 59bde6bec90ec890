package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
	"github.com/wavelink-chat/wavelink/internal/chat"
	"github.com/wavelink-chat/wavelink/internal/models"
)

// Notifier delivers out-of-band notifications to users without a live
// connection. May be nil.
type Notifier interface {
	SendNewMessageNotification(receiverID int, senderName string)
}

type Hub struct {
	clients    map[*Client]struct{}
	users      map[int]map[*Client]struct{}
	subs       map[models.ConversationRef]map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	svc        *chat.Service
	notifier   Notifier
	mu         sync.RWMutex
}

type Client struct {
	userID int
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
}

// Event is the wire format for server-pushed and client-sent frames.
type Event struct {
	Type      string          `json:"type"` // subscribe, unsubscribe, message, mark_delivered, mark_read, status_update, error
	ChatID    int             `json:"chat_id,omitempty"`
	GroupID   int             `json:"group_id,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
	MessageID int             `json:"message_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e *Event) ref() models.ConversationRef {
	if e.GroupID != 0 {
		return models.GroupRef(e.GroupID)
	}
	return models.DirectRef(e.ChatID)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(svc *chat.Service, notifier Notifier) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		users:      make(map[int]map[*Client]struct{}),
		subs:       make(map[models.ConversationRef]map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		svc:        svc,
		notifier:   notifier,
	}
}

// IsUserOnline checks if a user holds at least one live connection.
func (h *Hub) IsUserOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// BroadcastMessage fans a freshly persisted message out to the subscribers of
// its conversation. Used by the REST send path as well as the ws send path.
func (h *Hub) BroadcastMessage(msg *models.Message) {
	ref := msg.Ref()
	h.broadcast <- &Event{
		Type:    "message",
		ChatID:  ref.ChatID,
		GroupID: ref.GroupID,
		Message: msg,
	}
}

// BroadcastStatus fans a delivery/read transition out to the subscribers of
// the message's conversation.
func (h *Hub) BroadcastStatus(msg *models.Message) {
	ref := msg.Ref()
	h.broadcast <- &Event{
		Type:      "status_update",
		ChatID:    ref.ChatID,
		GroupID:   ref.GroupID,
		MessageID: msg.ID,
		Status:    msg.Status,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	if h.users[client.userID] == nil {
		h.users[client.userID] = make(map[*Client]struct{})
	}
	h.users[client.userID][client] = struct{}{}
	firstConn := len(h.users[client.userID]) == 1
	total := len(h.clients)
	h.mu.Unlock()

	if firstConn {
		h.svc.SetUserStatus(client.userID, "online")
	}
	log.Printf("User %d connected (total: %d)", client.userID, total)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.users[client.userID], client)
	lastConn := len(h.users[client.userID]) == 0
	if lastConn {
		delete(h.users, client.userID)
	}
	// Navigating away must release the client's live subscriptions
	for ref, members := range h.subs {
		delete(members, client)
		if len(members) == 0 {
			delete(h.subs, ref)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	close(client.send)
	if lastConn {
		h.svc.SetUserStatus(client.userID, "offline")
	}
	log.Printf("User %d disconnected (total: %d)", client.userID, total)
}

// fanOut delivers an event to every client subscribed to its conversation.
// The sender's own connection receives the event too; the client-side view
// de-duplicates it against the optimistic append.
func (h *Hub) fanOut(event *Event) {
	ref := event.ref()
	if ref.IsZero() {
		return
	}

	h.mu.RLock()
	for client := range h.subs[ref] {
		select {
		case client.send <- event:
		default:
			log.Printf("Event channel full for user %d", client.userID)
		}
	}
	h.mu.RUnlock()

	if event.Type == "message" && event.Message != nil {
		h.notifyOffline(event.Message)
	}
}

// notifyOffline pushes a notification to the direct counterpart when they
// hold no live connection.
func (h *Hub) notifyOffline(msg *models.Message) {
	if h.notifier == nil || msg.ChatID == nil {
		return
	}

	c, err := h.svc.ChatByID(*msg.ChatID)
	if err != nil {
		return
	}
	receiverID := c.OtherUser(msg.SenderID)
	if receiverID == 0 || h.IsUserOnline(receiverID) {
		return
	}

	sender, err := h.svc.UserByID(msg.SenderID)
	if err != nil {
		return
	}
	h.notifier.SendNewMessageNotification(receiverID, sender.DisplayName)
}

// Subscribe attaches the client to a conversation's live stream after an
// access check. The subscription stays until Unsubscribe or disconnect.
func (h *Hub) Subscribe(client *Client, ref models.ConversationRef) error {
	ok, err := h.svc.CanAccess(ref, client.userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Invalid("not a participant of this conversation")
	}

	h.mu.Lock()
	if h.subs[ref] == nil {
		h.subs[ref] = make(map[*Client]struct{})
	}
	h.subs[ref][client] = struct{}{}
	h.mu.Unlock()
	return nil
}

// Unsubscribe detaches the client from a conversation's live stream. Events
// for that conversation arriving afterwards are not delivered to it.
func (h *Hub) Unsubscribe(client *Client, ref models.ConversationRef) {
	h.mu.Lock()
	if members, ok := h.subs[ref]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.subs, ref)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int),
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, 256),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "subscribe":
			c.handleSubscribe(&event)
		case "unsubscribe":
			c.hub.Unsubscribe(c, event.ref())
		case "message":
			c.handleMessage(&event)
		case "mark_delivered":
			c.handleMark(&event, c.hub.svc.MarkDelivered)
		case "mark_read":
			c.handleMark(&event, c.hub.svc.MarkRead)
		}
	}
}

func (c *Client) handleSubscribe(event *Event) {
	ref := event.ref()
	if ref.IsZero() {
		c.sendError("subscribe requires a chat_id or group_id")
		return
	}
	if err := c.hub.Subscribe(c, ref); err != nil {
		c.sendError(apperrors.UserMessage(err))
		return
	}
	c.enqueue(&Event{Type: "subscribed", ChatID: ref.ChatID, GroupID: ref.GroupID})
}

func (c *Client) handleMessage(event *Event) {
	ref := event.ref()
	if ref.IsZero() {
		c.sendError("message requires a chat_id or group_id")
		return
	}

	ok, err := c.hub.svc.CanAccess(ref, c.userID)
	if err != nil || !ok {
		c.sendError("not a participant of this conversation")
		return
	}

	msg := &models.Message{
		SenderID: c.userID,
		ClientID: event.ClientID,
		Content:  event.Content,
	}
	if ref.IsGroup() {
		msg.GroupID = &event.GroupID
	} else {
		msg.ChatID = &event.ChatID
	}

	if err := c.hub.svc.SaveMessage(msg); err != nil {
		log.Printf("Failed to save message: %v", err)
		c.sendError(apperrors.UserMessage(err))
		return
	}

	c.hub.BroadcastMessage(msg)
}

func (c *Client) handleMark(event *Event, mark func(messageID, userID int) (*models.Message, error)) {
	if event.MessageID == 0 {
		return
	}
	msg, err := mark(event.MessageID, c.userID)
	if err != nil {
		log.Printf("Failed to update message status: %v", err)
		return
	}
	c.hub.BroadcastStatus(msg)
}

func (c *Client) sendError(message string) {
	c.enqueue(&Event{Type: "error", Error: message})
}

func (c *Client) enqueue(event *Event) {
	select {
	case c.send <- event:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
