package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wavelink-chat/wavelink/internal/auth"
	"github.com/wavelink-chat/wavelink/internal/chat"
	"github.com/wavelink-chat/wavelink/internal/db"
	"github.com/wavelink-chat/wavelink/internal/storage"
	"github.com/wavelink-chat/wavelink/internal/ws"
)

var (
	testDB        *db.DB
	testAuthSvc   *auth.Service
	testChatSvc   *chat.Service
	testRouter    *gin.Engine
	testUploadDir string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	// Shared cache mode keeps all pooled connections on the same database
	var err error
	testDB, err = db.New("file:handlers?mode=memory&cache=shared")
	if err != nil {
		panic(err)
	}

	testUploadDir, err = os.MkdirTemp("", "wavelink-test-uploads")
	if err != nil {
		panic(err)
	}

	testAuthSvc = auth.New(testDB.Conn(), "test-jwt-secret")
	testChatSvc = chat.NewService(testDB.Conn())
	testRouter = setupTestRouter()

	code := m.Run()

	os.RemoveAll(testUploadDir)
	testDB.Close()
	os.Exit(code)
}

func setupTestRouter() *gin.Engine {
	router := gin.New()

	store, err := storage.New(testUploadDir, 10_485_760)
	if err != nil {
		panic(err)
	}

	hub := ws.NewHub(testChatSvc, nil)
	go hub.Run()

	authHandler := NewAuthHandler(testAuthSvc)
	chatHandler := NewChatHandler(testChatSvc, hub, store)

	api := router.Group("/api")
	{
		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/users", chatHandler.SearchUsers)
		protected.GET("/profile", chatHandler.GetProfile)
		protected.PUT("/profile", chatHandler.UpdateProfile)
		protected.POST("/conversations", chatHandler.StartConversation)
		protected.GET("/conversations", chatHandler.ListConversations)
		protected.POST("/groups", chatHandler.CreateGroup)
		protected.GET("/groups/:id", chatHandler.GetGroup)
		protected.POST("/groups/:id/members", chatHandler.AddGroupMember)
		protected.DELETE("/groups/:id/members/:user_id", chatHandler.RemoveGroupMember)
		protected.POST("/groups/:id/leave", chatHandler.LeaveGroup)
		protected.DELETE("/groups/:id", chatHandler.DeleteGroup)
		protected.GET("/messages", chatHandler.GetMessages)
		protected.POST("/messages", chatHandler.SendMessage)
		protected.PUT("/messages/:id/delivered", chatHandler.MarkDelivered)
		protected.PUT("/messages/:id/read", chatHandler.MarkRead)
		protected.DELETE("/messages/:id", chatHandler.DeleteMessage)
	}

	return router
}

func clearTestData() {
	conn := testDB.Conn()
	conn.Exec("DELETE FROM attachments")
	conn.Exec("DELETE FROM messages")
	conn.Exec("DELETE FROM group_members")
	conn.Exec("DELETE FROM chats")
	conn.Exec("DELETE FROM groups")
	conn.Exec("DELETE FROM push_subscriptions")
	conn.Exec("DELETE FROM users")
}

func doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func registerUser(t *testing.T, email, name string) (int, string) {
	t.Helper()
	id, err := testAuthSvc.Register(email, name, "password123")
	if err != nil {
		t.Fatalf("Failed to register %s: %v", email, err)
	}
	token, err := testAuthSvc.GenerateToken(id, email)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return id, token
}

func TestRegister(t *testing.T) {
	clearTestData()

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid registration",
			body:       map[string]string{"email": "new@example.com", "display_name": "New User", "password": "password123"},
			wantStatus: http.StatusCreated,
			wantError:  false,
		},
		{
			name:       "duplicate email",
			body:       map[string]string{"email": "new@example.com", "display_name": "Other", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "invalid email",
			body:       map[string]string{"email": "not-an-email", "display_name": "X", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "short password",
			body:       map[string]string{"email": "short@example.com", "display_name": "X", "password": "12345"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/auth/register", "", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("Register() status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp map[string]interface{}
			json.Unmarshal(w.Body.Bytes(), &resp)

			if tt.wantError {
				if _, ok := resp["error"]; !ok {
					t.Error("Expected error response")
				}
			} else {
				if _, ok := resp["token"]; !ok {
					t.Error("Expected token in response")
				}
			}
		})
	}
}

func TestLogin(t *testing.T) {
	clearTestData()
	registerUser(t, "login@example.com", "Login User")

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{
			name:       "valid login",
			body:       map[string]string{"email": "login@example.com", "password": "password123"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong password",
			body:       map[string]string{"email": "login@example.com", "password": "wrongpassword"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown email",
			body:       map[string]string{"email": "missing@example.com", "password": "password123"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/auth/login", "", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Login() status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	clearTestData()

	t.Run("missing token", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/conversations", "not-a-jwt", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})
}

func TestStartConversation(t *testing.T) {
	clearTestData()
	_, token1 := registerUser(t, "alice@example.com", "Alice")
	_, token2 := registerUser(t, "bob@example.com", "Bob")

	var firstChatID float64

	t.Run("create conversation", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", token1, map[string]string{"email": "bob@example.com"})
		if w.Code != http.StatusCreated {
			t.Fatalf("StartConversation() status = %d, want 201", w.Code)
		}

		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		chatObj, ok := resp["chat"].(map[string]interface{})
		if !ok {
			t.Fatal("Expected chat in response")
		}
		firstChatID = chatObj["id"].(float64)
	})

	t.Run("resolving from the other side returns the same chat", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", token2, map[string]string{"email": "alice@example.com"})
		if w.Code != http.StatusOK {
			t.Fatalf("StartConversation() status = %d, want 200", w.Code)
		}

		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		chatObj := resp["chat"].(map[string]interface{})
		if chatObj["id"].(float64) != firstChatID {
			t.Errorf("Expected chat %v from both sides, got %v", firstChatID, chatObj["id"])
		}
		if created, _ := resp["created"].(bool); created {
			t.Error("Expected existing conversation, not a new one")
		}
	})

	t.Run("conversation with yourself rejected", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", token1, map[string]string{"email": "alice@example.com"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/conversations", token1, map[string]string{"email": "ghost@example.com"})
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})
}

func TestMessages(t *testing.T) {
	clearTestData()
	_, token1 := registerUser(t, "alice@example.com", "Alice")
	_, token2 := registerUser(t, "bob@example.com", "Bob")
	_, token3 := registerUser(t, "carol@example.com", "Carol")

	w := doJSON(t, "POST", "/api/conversations", token1, map[string]string{"email": "bob@example.com"})
	var convResp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &convResp)
	chatID := int(convResp["chat"].(map[string]interface{})["id"].(float64))

	var messageID int

	t.Run("send message", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/messages", token1, map[string]interface{}{
			"chat_id":   chatID,
			"client_id": "resend-check-1",
			"content":   "hello bob",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("SendMessage() status = %d: %s", w.Code, w.Body.String())
		}

		var msg map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &msg)
		messageID = int(msg["id"].(float64))
		if messageID == 0 {
			t.Fatal("Expected message id in response")
		}
	})

	t.Run("resend with same client id returns the original", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/messages", token1, map[string]interface{}{
			"chat_id":   chatID,
			"client_id": "resend-check-1",
			"content":   "hello bob",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("SendMessage() status = %d", w.Code)
		}

		var msg map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &msg)
		if int(msg["id"].(float64)) != messageID {
			t.Errorf("Expected message %d on resend, got %v", messageID, msg["id"])
		}
	})

	t.Run("outsider cannot send", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/messages", token3, map[string]interface{}{
			"chat_id": chatID,
			"content": "let me in",
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", w.Code)
		}
	})

	t.Run("history is ascending", func(t *testing.T) {
		doJSON(t, "POST", "/api/messages", token2, map[string]interface{}{
			"chat_id": chatID,
			"content": "hi alice",
		})

		w := doJSON(t, "GET", "/api/messages?chat_id="+strconv.Itoa(chatID), token1, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GetMessages() status = %d", w.Code)
		}

		var resp map[string][]map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		messages := resp["messages"]
		if len(messages) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(messages))
		}
		if int(messages[0]["id"].(float64)) != messageID {
			t.Error("Expected oldest message first")
		}
	})

	t.Run("outsider cannot read history", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/messages?chat_id="+strconv.Itoa(chatID), token3, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", w.Code)
		}
	})

	t.Run("receiver marks delivered and read", func(t *testing.T) {
		w := doJSON(t, "PUT", "/api/messages/"+strconv.Itoa(messageID)+"/delivered", token2, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("MarkDelivered() status = %d: %s", w.Code, w.Body.String())
		}

		w = doJSON(t, "PUT", "/api/messages/"+strconv.Itoa(messageID)+"/read", token2, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("MarkRead() status = %d", w.Code)
		}

		var msg map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &msg)
		if msg["status"] != "read" {
			t.Errorf("Expected status read, got %v", msg["status"])
		}
	})

	t.Run("sender cannot mark own message", func(t *testing.T) {
		w := doJSON(t, "PUT", "/api/messages/"+strconv.Itoa(messageID)+"/read", token1, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("only sender deletes", func(t *testing.T) {
		w := doJSON(t, "DELETE", "/api/messages/"+strconv.Itoa(messageID), token2, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for non-sender delete, got %d", w.Code)
		}

		w = doJSON(t, "DELETE", "/api/messages/"+strconv.Itoa(messageID), token1, nil)
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200 for sender delete, got %d", w.Code)
		}
	})
}

func TestGroups(t *testing.T) {
	clearTestData()
	_, token1 := registerUser(t, "alice@example.com", "Alice")
	user2ID, token2 := registerUser(t, "bob@example.com", "Bob")
	user3ID, token3 := registerUser(t, "carol@example.com", "Carol")

	var groupID int

	t.Run("empty member set rejected", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/groups", token1, map[string]interface{}{
			"name":       "lonely",
			"member_ids": []int{},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("create group", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/groups", token1, map[string]interface{}{
			"name":        "team",
			"description": "the team",
			"member_ids":  []int{user2ID},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("CreateGroup() status = %d: %s", w.Code, w.Body.String())
		}

		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		groupID = int(resp["group"].(map[string]interface{})["id"].(float64))
		if _, ok := resp["chat"]; !ok {
			t.Error("Expected the group's conversation in the response")
		}
	})

	t.Run("members can read the group", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/groups/"+strconv.Itoa(groupID), token2, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GetGroup() status = %d", w.Code)
		}

		var resp map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &resp)
		members := resp["members"].([]interface{})
		if len(members) != 2 {
			t.Errorf("Expected 2 members, got %d", len(members))
		}
	})

	t.Run("non-member cannot read the group", func(t *testing.T) {
		w := doJSON(t, "GET", "/api/groups/"+strconv.Itoa(groupID), token3, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})

	t.Run("only owner adds members", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/groups/"+strconv.Itoa(groupID)+"/members", token2, map[string]int{"user_id": user3ID})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for non-owner, got %d", w.Code)
		}

		w = doJSON(t, "POST", "/api/groups/"+strconv.Itoa(groupID)+"/members", token1, map[string]int{"user_id": user3ID})
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200 for owner, got %d", w.Code)
		}

		// Adding again is a no-op, not a duplicate
		w = doJSON(t, "POST", "/api/groups/"+strconv.Itoa(groupID)+"/members", token1, map[string]int{"user_id": user3ID})
		if w.Code != http.StatusOK {
			t.Errorf("Expected repeated add to succeed, got %d", w.Code)
		}
	})

	t.Run("member leaves", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/groups/"+strconv.Itoa(groupID)+"/leave", token3, nil)
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", w.Code)
		}
	})

	t.Run("owner cannot leave", func(t *testing.T) {
		w := doJSON(t, "POST", "/api/groups/"+strconv.Itoa(groupID)+"/leave", token1, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("only creator deletes", func(t *testing.T) {
		w := doJSON(t, "DELETE", "/api/groups/"+strconv.Itoa(groupID), token2, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for non-creator, got %d", w.Code)
		}

		w = doJSON(t, "DELETE", "/api/groups/"+strconv.Itoa(groupID), token1, nil)
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200 for creator, got %d", w.Code)
		}
	})
}

func TestConversationList(t *testing.T) {
	clearTestData()
	_, token1 := registerUser(t, "alice@example.com", "Alice")
	registerUser(t, "bob@example.com", "Bob")

	doJSON(t, "POST", "/api/conversations", token1, map[string]string{"email": "bob@example.com"})

	w := doJSON(t, "GET", "/api/conversations", token1, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ListConversations() status = %d", w.Code)
	}

	var resp map[string][]map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp["conversations"]) != 1 {
		t.Fatalf("Expected 1 conversation, got %d", len(resp["conversations"]))
	}
	if resp["conversations"][0]["name"] != "Bob" {
		t.Errorf("Expected counterpart name, got %v", resp["conversations"][0]["name"])
	}
}
