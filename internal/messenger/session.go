package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outbound event types emitted over the live connection.
const (
	eventJoin    = "join"
	eventLeave   = "leave"
	eventMessage = "message"
	eventTyping  = "typing"
)

// Inbound event types pushed by the server.
const (
	eventOnline   = "online"
	eventJoined   = "joined"
	eventError    = "error"
	eventDropped  = "messages_dropped"
	eventShutdown = "server_shutdown"
)

// ErrEmptyMessage is returned by Send when the text is empty after trimming.
var ErrEmptyMessage = errors.New("messenger: message text is empty")

// ErrNoOpenConversation is returned by Send and Typing when no conversation
// is currently open.
var ErrNoOpenConversation = errors.New("messenger: no open conversation")

// OutboundEvent is the client -> server frame for the live connection. Field
// layout matches what the websocket handler decodes.
type OutboundEvent struct {
	Type      string `json:"type"`
	ChatID    uint   `json:"chat_id"`
	Text      string `json:"text,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
	ClientKey string `json:"client_key,omitempty"`
}

// InboundEvent is the server -> client envelope. Payload decoding is
// deferred until the event type is known.
type InboundEvent struct {
	Type           string          `json:"type"`
	ConversationID uint            `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Transport is the live connection the session emits events through.
// Connector implements it; tests substitute a recorder.
type Transport interface {
	Emit(ev OutboundEvent) error
}

// API is the REST surface the session falls back to for history loading,
// conversation management and sends while the live connection is down.
// Client implements it.
type API interface {
	Chats(ctx context.Context) ([]Chat, error)
	OpenChat(ctx context.Context, peerID uint) (Chat, error)
	History(ctx context.Context, chatID uint, limit int) ([]Message, error)
	Send(ctx context.Context, chatID uint, text, clientKey string) (Message, error)
	MarkRead(ctx context.Context, chatID uint) error
	UnreadCounts(ctx context.Context) (map[uint]int64, error)
}

// SessionConfig configures a Session. Self identifies the session owner;
// inbound messages from that id are rendered as own messages and never
// counted as unread.
type SessionConfig struct {
	Self      Sender
	Transport Transport
	API       API
	Logger    *slog.Logger

	// OnChange, when set, receives a snapshot after every state mutation.
	OnChange func(State)

	// HistoryTimeout bounds the history fetch when opening a conversation.
	// Defaults to 10s.
	HistoryTimeout time.Duration

	// ConfirmTimeout bounds how long an optimistic message waits for its
	// server echo before being rolled back. Defaults to 15s.
	ConfirmTimeout time.Duration

	// HistoryLimit is the page size for history loads. Defaults to 20.
	HistoryLimit int
}

// Session holds the canonical client state and applies every transition
// under a single lock. All methods are safe for concurrent use; the
// Connector's read loop and the embedding application share one Session.
type Session struct {
	mu    sync.Mutex
	state State

	self      Sender
	transport Transport
	api       API
	log       *slog.Logger
	onChange  func(State)

	historyTimeout time.Duration
	confirmTimeout time.Duration
	historyLimit   int

	// clientKey -> cancel func for the pending rollback timer
	pending map[string]*time.Timer

	// openSeq invalidates in-flight history loads when the user switches
	// conversations before the previous load finishes.
	openSeq uint64

	now func() time.Time
}

// NewSession builds a session with empty state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 15 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Session{
		state: State{
			Chats:       []Chat{},
			Messages:    []Message{},
			OnlineUsers: []uint{},
			TypingUsers: []uint{},
			Unread:      make(map[uint]int64),
		},
		self:           cfg.Self,
		transport:      cfg.Transport,
		api:            cfg.API,
		log:            cfg.Logger,
		onChange:       cfg.OnChange,
		historyTimeout: cfg.HistoryTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		historyLimit:   cfg.HistoryLimit,
		pending:        make(map[string]*time.Timer),
		now:            time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// notifyLocked fires the change callback with a fresh snapshot. Callers hold
// the lock; the callback runs outside it so observers may call back into the
// session.
func (s *Session) notifyLocked() func() {
	if s.onChange == nil {
		return func() {}
	}
	snap := s.state.clone()
	return func() { s.onChange(snap) }
}

// RefreshChats reloads the conversation list and unread counts.
func (s *Session) RefreshChats(ctx context.Context) error {
	s.mu.Lock()
	s.state.LoadingChats = true
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	chats, err := s.api.Chats(ctx)
	var unread map[uint]int64
	if err == nil {
		unread, err = s.api.UnreadCounts(ctx)
	}

	s.mu.Lock()
	s.state.LoadingChats = false
	if err == nil {
		s.state.Chats = chats
		s.state.Unread = unread
	}
	notify = s.notifyLocked()
	s.mu.Unlock()
	notify()
	return err
}

// OpenDirect finds or creates the direct conversation with the peer, then
// opens it.
func (s *Session) OpenDirect(ctx context.Context, peerID uint) (Chat, error) {
	chat, err := s.api.OpenChat(ctx, peerID)
	if err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	if s.state.chatIndex(chat.ID) == -1 {
		s.state.Chats = append([]Chat{chat}, s.state.Chats...)
	}
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	return chat, s.OpenConversation(ctx, chat.ID)
}

// OpenConversation makes the conversation current: the message pane is
// cleared immediately so stale content from the previous conversation never
// shows, the room is joined, recent history is loaded under a bounded
// timeout, and the conversation is marked read.
func (s *Session) OpenConversation(ctx context.Context, chatID uint) error {
	s.mu.Lock()
	prev := s.state.CurrentChat
	s.state.CurrentChat = chatID
	s.state.Messages = s.state.Messages[:0]
	s.state.TypingUsers = s.state.TypingUsers[:0]
	s.state.LoadingMessages = true
	s.openSeq++
	seq := s.openSeq
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	if prev != 0 && prev != chatID {
		s.emit(OutboundEvent{Type: eventLeave, ChatID: prev})
	}
	s.emit(OutboundEvent{Type: eventJoin, ChatID: chatID})

	hctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
	defer cancel()
	history, err := s.api.History(hctx, chatID, s.historyLimit)

	s.mu.Lock()
	if s.openSeq != seq {
		// A newer open superseded this load; drop the result.
		s.mu.Unlock()
		return nil
	}
	s.state.LoadingMessages = false
	if err == nil {
		s.state.Messages = history
		delete(s.state.Unread, chatID)
	}
	notify = s.notifyLocked()
	s.mu.Unlock()
	notify()

	if err != nil {
		return err
	}
	if mrErr := s.api.MarkRead(ctx, chatID); mrErr != nil {
		s.log.Warn("mark read failed", slog.Any("chat_id", chatID), slog.String("error", mrErr.Error()))
	}
	return nil
}

// CloseConversation leaves the current room and clears the message pane.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	current := s.state.CurrentChat
	s.state.CurrentChat = 0
	s.state.Messages = s.state.Messages[:0]
	s.state.TypingUsers = s.state.TypingUsers[:0]
	s.openSeq++
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	if current != 0 {
		s.emit(OutboundEvent{Type: eventLeave, ChatID: current})
	}
}

// Send delivers text to the current conversation optimistically: a pending
// copy appears in state immediately, carrying a generated correlation key,
// and is replaced in place when the server echo with the same key arrives.
// If the emit fails or no echo arrives within the confirm timeout, the
// pending copy is removed. Returns the correlation key.
func (s *Session) Send(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	chatID := s.state.CurrentChat
	if chatID == 0 {
		s.mu.Unlock()
		return "", ErrNoOpenConversation
	}

	key := "local-" + uuid.New().String()
	s.state.Messages = append(s.state.Messages, Message{
		ClientKey: key,
		ChatID:    chatID,
		Sender:    s.self,
		Text:      trimmed,
		CreatedAt: s.now(),
		Pending:   true,
	})
	s.pending[key] = time.AfterFunc(s.confirmTimeout, func() {
		s.rollback(key, "confirm timeout")
	})
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	if err := s.transport.Emit(OutboundEvent{
		Type:      eventMessage,
		ChatID:    chatID,
		Text:      trimmed,
		ClientKey: key,
	}); err != nil {
		s.rollback(key, "emit failed")
		return key, err
	}
	return key, nil
}

// Typing signals the typing indicator for the current conversation.
// Fire-and-forget: a failed emit only drops the indicator.
func (s *Session) Typing(isTyping bool) error {
	s.mu.Lock()
	chatID := s.state.CurrentChat
	s.mu.Unlock()
	if chatID == 0 {
		return ErrNoOpenConversation
	}
	return s.transport.Emit(OutboundEvent{Type: eventTyping, ChatID: chatID, IsTyping: isTyping})
}

// rollback removes a still-pending optimistic message.
func (s *Session) rollback(key, reason string) {
	s.mu.Lock()
	timer, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	timer.Stop()
	delete(s.pending, key)

	for i := range s.state.Messages {
		if s.state.Messages[i].ClientKey == key && s.state.Messages[i].Pending {
			s.state.Messages = append(s.state.Messages[:i], s.state.Messages[i+1:]...)
			break
		}
	}
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	s.log.Warn("optimistic message rolled back",
		slog.String("client_key", key), slog.String("reason", reason))
}

// HandleEvent applies one server push to state. Unknown event types are
// logged and ignored so protocol additions never break older clients.
func (s *Session) HandleEvent(ev InboundEvent) {
	switch ev.Type {
	case eventOnline:
		var ids []uint
		if err := json.Unmarshal(ev.Payload, &ids); err != nil {
			s.log.Warn("bad online payload", slog.String("error", err.Error()))
			return
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		s.mu.Lock()
		s.state.OnlineUsers = ids
		notify := s.notifyLocked()
		s.mu.Unlock()
		notify()

	case eventTyping:
		var ids []uint
		if err := json.Unmarshal(ev.Payload, &ids); err != nil {
			s.log.Warn("bad typing payload", slog.String("error", err.Error()))
			return
		}
		s.mu.Lock()
		if s.state.CurrentChat == ev.ConversationID {
			// Own id is excluded: a user never sees their own indicator.
			filtered := ids[:0]
			for _, id := range ids {
				if id != s.self.ID {
					filtered = append(filtered, id)
				}
			}
			sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })
			s.state.TypingUsers = filtered
		}
		notify := s.notifyLocked()
		s.mu.Unlock()
		notify()

	case eventMessage:
		var w wireMessage
		if err := json.Unmarshal(ev.Payload, &w); err != nil {
			s.log.Warn("bad message payload", slog.String("error", err.Error()))
			return
		}
		if w.ConversationID == 0 {
			w.ConversationID = ev.ConversationID
		}
		s.receive(normalize(w, s.self.ID))

	case eventError:
		var p struct {
			Error     string `json:"error"`
			ClientKey string `json:"client_key"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("bad error payload", slog.String("error", err.Error()))
			return
		}
		s.log.Warn("server rejected event", slog.String("error", p.Error))
		if p.ClientKey != "" {
			s.rollback(p.ClientKey, "rejected: "+p.Error)
		}

	case eventJoined:
		// Ack only; room state already reflects the join request.

	case eventDropped:
		s.log.Warn("server dropped queued events for this connection")

	case eventShutdown:
		s.log.Info("server shutting down")

	default:
		s.log.Debug("ignoring unknown event", slog.String("type", ev.Type))
	}
}

// receive folds one confirmed message into state. The sender's own echo
// replaces the pending copy in place; everything else for the open
// conversation appends. Chat previews and unread counts update regardless of
// which conversation is open.
func (s *Session) receive(msg Message) {
	s.mu.Lock()

	reconciled := false
	if msg.ClientKey != "" {
		if timer, ok := s.pending[msg.ClientKey]; ok {
			timer.Stop()
			delete(s.pending, msg.ClientKey)
		}
		for i := range s.state.Messages {
			if s.state.Messages[i].ClientKey == msg.ClientKey && s.state.Messages[i].Pending {
				s.state.Messages[i] = msg
				reconciled = true
				break
			}
		}
	}
	if !reconciled && s.state.CurrentChat == msg.ChatID {
		s.state.Messages = append(s.state.Messages, msg)
	}

	// Chat list preview and recency.
	if i := s.state.chatIndex(msg.ChatID); i != -1 {
		m := msg
		s.state.Chats[i].LastMessage = &m
		if i != 0 {
			chat := s.state.Chats[i]
			s.state.Chats = append(s.state.Chats[:i], s.state.Chats[i+1:]...)
			s.state.Chats = append([]Chat{chat}, s.state.Chats...)
		}
	}

	if msg.ChatID != s.state.CurrentChat && msg.Sender.ID != s.self.ID {
		s.state.Unread[msg.ChatID]++
	}

	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()
}

// SetConnState records the connection lifecycle. On regaining a connection
// the current room is re-joined, since room membership is per-connection on
// the server.
func (s *Session) SetConnState(cs ConnState) {
	s.mu.Lock()
	prev := s.state.Conn
	s.state.Conn = cs
	current := s.state.CurrentChat
	notify := s.notifyLocked()
	s.mu.Unlock()
	notify()

	if cs == Connected && prev != Connected && current != 0 {
		s.emit(OutboundEvent{Type: eventJoin, ChatID: current})
	}
}

// emit sends fire-and-forget; failures are logged, not surfaced, because the
// caller has nothing to roll back.
func (s *Session) emit(ev OutboundEvent) {
	if err := s.transport.Emit(ev); err != nil {
		s.log.Warn("emit failed",
			slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
