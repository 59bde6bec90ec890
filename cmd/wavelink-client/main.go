// Command wavelink-client is a small terminal client. It logs in over REST,
// loads a conversation's history, subscribes to its live stream and keeps a
// local timeline view in sync while the user types messages.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wavelink-chat/wavelink/internal/models"
	"github.com/wavelink-chat/wavelink/internal/timeline"
)

type client struct {
	server string
	token  string
	userID int
	http   *http.Client
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int    `json:"user_id"`
	Error  string `json:"error"`
}

type historyResponse struct {
	Messages []models.Message `json:"messages"`
	Error    string           `json:"error"`
}

type wireEvent struct {
	Type      string          `json:"type"`
	ChatID    int             `json:"chat_id,omitempty"`
	GroupID   int             `json:"group_id,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
	MessageID int             `json:"message_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	chatID := flag.Int("chat", 0, "direct chat id to open")
	groupID := flag.Int("group", 0, "group id to open")
	flag.Parse()

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: wavelink-client -email you@example.com -password secret [-chat N | -group N]")
		os.Exit(1)
	}

	var ref models.ConversationRef
	switch {
	case *groupID > 0:
		ref = models.GroupRef(*groupID)
	case *chatID > 0:
		ref = models.DirectRef(*chatID)
	default:
		fmt.Fprintln(os.Stderr, "pick a conversation with -chat or -group")
		os.Exit(1)
	}

	c := &client{
		server: strings.TrimRight(*server, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
	if err := c.login(*email, *password); err != nil {
		log.Fatalf("login failed: %v", err)
	}

	view := timeline.NewView(c.userID, ref)
	if err := c.loadHistory(view); err != nil {
		log.Fatalf("failed to load history: %v", err)
	}
	render(view)

	conn, err := c.dial()
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	subscribe := wireEvent{Type: "subscribe", ChatID: ref.ChatID, GroupID: ref.GroupID}
	if err := conn.WriteJSON(subscribe); err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	go c.readLoop(conn, view)
	c.inputLoop(conn, view, ref)
}

func (c *client) login(email, password string) error {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := c.http.Post(c.server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", lr.Error)
	}

	c.token = lr.Token
	c.userID = lr.UserID
	return nil
}

func (c *client) loadHistory(view *timeline.View) error {
	ref := view.Ref()
	gen := view.Generation()

	endpoint := c.server + "/api/messages?"
	if ref.IsGroup() {
		endpoint += fmt.Sprintf("group_id=%d", ref.GroupID)
	} else {
		endpoint += fmt.Sprintf("chat_id=%d", ref.ChatID)
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var hr historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", hr.Error)
	}

	view.ApplyHistory(gen, hr.Messages)
	return nil
}

func (c *client) dial() (*websocket.Conn, error) {
	wsURL, err := url.Parse(c.server)
	if err != nil {
		return nil, err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = "token=" + url.QueryEscape(c.token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	return conn, err
}

func (c *client) readLoop(conn *websocket.Conn, view *timeline.View) {
	for {
		var event wireEvent
		if err := conn.ReadJSON(&event); err != nil {
			log.Printf("connection closed: %v", err)
			os.Exit(1)
		}

		switch event.Type {
		case "message":
			if event.Message != nil && view.ApplyRemote(*event.Message) {
				render(view)
			}
		case "error":
			fmt.Fprintf(os.Stderr, "server error: %s\n", event.Error)
		}
	}
}

func (c *client) inputLoop(conn *websocket.Conn, view *timeline.View, ref models.ConversationRef) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type a message and press enter. Ctrl-D to quit.")

	for scanner.Scan() {
		content := strings.TrimSpace(scanner.Text())
		if content == "" {
			continue
		}

		clientID := uuid.New().String()

		// Optimistic append; the echoed event is de-duplicated by client id
		local := models.Message{
			SenderID:  c.userID,
			ClientID:  clientID,
			Content:   content,
			Status:    "sent",
			CreatedAt: time.Now(),
		}
		if ref.IsGroup() {
			gid := ref.GroupID
			local.GroupID = &gid
		} else {
			cid := ref.ChatID
			local.ChatID = &cid
		}
		view.AppendLocal(local)
		render(view)

		send := wireEvent{
			Type:     "message",
			ChatID:   ref.ChatID,
			GroupID:  ref.GroupID,
			ClientID: clientID,
			Content:  content,
		}
		if err := conn.WriteJSON(send); err != nil {
			log.Fatalf("failed to send: %v", err)
		}
	}
}

func render(view *timeline.View) {
	entries := view.Render(time.Now())

	fmt.Print("\033[2J\033[H")
	for _, e := range entries {
		tag := "  "
		if e.Sent {
			tag = "me"
		}
		line := fmt.Sprintf("[%s] %s %s", e.TimeLabel, tag, e.Body)
		if e.FileURL != "" {
			line += " (" + e.FileURL + ")"
		}
		fmt.Println(line)
	}
	fmt.Print("> ")
}
