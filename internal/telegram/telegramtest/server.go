// Package telegramtest provides a fake Bot API server for tests.
package telegramtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Token is accepted by every Server.
const Token = "123456:TEST-token-for-fake-server"

// Call is one recorded Bot API request.
type Call struct {
	Method string
	Params url.Values
}

// Server answers the Bot API methods the bot uses: getMe, getUpdates,
// sendMessage, editMessageText, sendChatAction and setMyCommands.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calls     []Call
	updates   []tgbotapi.Update
	nextID    int
	failChats map[int64]string
	editError string
	unauth    bool
}

// NewServer starts a fake server. Close it when done.
func NewServer() *Server {
	s := &Server{nextID: 100, failChats: make(map[int64]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint is the API endpoint template for tgbotapi.
func (s *Server) Endpoint() string {
	return s.URL + "/bot%s/%s"
}

// PushUpdates queues updates for the next getUpdates call.
func (s *Server) PushUpdates(updates ...tgbotapi.Update) {
	s.mu.Lock()
	s.updates = append(s.updates, updates...)
	s.mu.Unlock()
}

// FailChat makes sendMessage to chatID fail with description.
func (s *Server) FailChat(chatID int64, description string) {
	s.mu.Lock()
	s.failChats[chatID] = description
	s.mu.Unlock()
}

// FailEdits makes editMessageText fail with description.
func (s *Server) FailEdits(description string) {
	s.mu.Lock()
	s.editError = description
	s.mu.Unlock()
}

// RejectToken makes every request fail as unauthorized.
func (s *Server) RejectToken() {
	s.mu.Lock()
	s.unauth = true
	s.mu.Unlock()
}

// Calls returns the recorded requests for method, or all when method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Texts returns the text of every sendMessage to chatID.
func (s *Server) Texts(chatID int64) []string {
	var texts []string
	for _, c := range s.Calls("sendMessage") {
		if c.Params.Get("chat_id") == strconv.FormatInt(chatID, 10) {
			texts = append(texts, c.Params.Get("text"))
		}
	}
	return texts
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	method := parts[1]

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if method != "getUpdates" {
		s.calls = append(s.calls, Call{Method: method, Params: r.PostForm})
	}
	unauth := s.unauth
	s.mu.Unlock()

	if unauth || parts[0] != "bot"+Token {
		writeError(w, 401, "Unauthorized")
		return
	}

	switch method {
	case "getMe":
		writeResult(w, tgbotapi.User{ID: 1, IsBot: true, FirstName: "Dosug", UserName: "dosug_bot"})
	case "getUpdates":
		s.mu.Lock()
		updates := s.updates
		s.updates = nil
		s.mu.Unlock()
		if len(updates) == 0 {
			// Short poll keeps the polling goroutine from spinning.
			time.Sleep(20 * time.Millisecond)
			updates = []tgbotapi.Update{}
		}
		writeResult(w, updates)
	case "sendMessage":
		chatID, _ := strconv.ParseInt(r.PostForm.Get("chat_id"), 10, 64)
		s.mu.Lock()
		desc, fail := s.failChats[chatID]
		s.nextID++
		id := s.nextID
		s.mu.Unlock()
		if fail {
			writeError(w, 400, desc)
			return
		}
		writeResult(w, message(id, chatID, r.PostForm.Get("text")))
	case "editMessageText":
		s.mu.Lock()
		desc := s.editError
		s.mu.Unlock()
		if desc != "" {
			writeError(w, 400, desc)
			return
		}
		chatID, _ := strconv.ParseInt(r.PostForm.Get("chat_id"), 10, 64)
		id, _ := strconv.Atoi(r.PostForm.Get("message_id"))
		writeResult(w, message(id, chatID, r.PostForm.Get("text")))
	case "sendChatAction", "setMyCommands":
		writeResult(w, true)
	default:
		writeError(w, 404, fmt.Sprintf("Not Found: method %s", method))
	}
}

func message(id int, chatID int64, text string) tgbotapi.Message {
	return tgbotapi.Message{
		MessageID: id,
		Date:      int(time.Now().Unix()),
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		Text:      text,
	}
}

func writeResult(w http.ResponseWriter, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tgbotapi.APIResponse{Ok: true, Result: raw})
}

func writeError(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tgbotapi.APIResponse{Ok: false, ErrorCode: code, Description: description})
}

// TextUpdate builds a private-chat text update. Text starting with "/"
// is marked as a command.
func TextUpdate(updateID int, userID int64, username, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: updateID * 10,
		Date:      int(time.Now().Unix()),
		From:      &tgbotapi.User{ID: userID, UserName: username},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		length := len(text)
		if i := strings.IndexByte(text, ' '); i >= 0 {
			length = i
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{UpdateID: updateID, Message: msg}
}
