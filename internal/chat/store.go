package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/notice"
	"mindhaven/internal/router"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

const defaultModerationNotice = "Your message was flagged by the moderator."

// Snapshot is a consistent copy of the chat state.
type Snapshot struct {
	Conversations []types.Conversation `json:"conversations"`
	Active        *types.Peer          `json:"active,omitempty"`
	Pending       *types.Peer          `json:"pending,omitempty"`
	Messages      []types.ChatMessage  `json:"messages"`
	OnlineUsers   []types.OnlineUser   `json:"online_users"`
	LastError     string               `json:"last_error,omitempty"`
}

// pendingSelection tracks a conversation whose log is being fetched.
type pendingSelection struct {
	peer     types.Peer
	gen      uint64
	buffered []types.ChatMessage
}

// Store is the chat session store.
// ARCHITECTURAL DISCOVERY: the mutex is never held across a REST call; every
// result is applied only if the selection generation and reset epoch it was
// issued under are still current
type Store struct {
	api      interfaces.ChatAPI
	sender   interfaces.FrameSender
	identity interfaces.IdentityProvider
	notifier interfaces.Notifier
	journal  interfaces.Journal
	logger   zerolog.Logger

	mu            sync.Mutex
	conversations []types.Conversation
	active        *types.Peer
	messages      []types.ChatMessage
	index         map[types.ID]int
	pending       *pendingSelection
	online        []types.OnlineUser
	lastErr       error

	gen         uint64 // selection generation
	epoch       uint64 // bumped by Reset
	loadSeq     uint64
	appliedLoad uint64

	refresh chan struct{}
}

// NewStore creates a chat store. notifier and journal may be nil.
func NewStore(api interfaces.ChatAPI, sender interfaces.FrameSender, identity interfaces.IdentityProvider, notifier interfaces.Notifier, journal interfaces.Journal) *Store {
	if notifier == nil {
		notifier = notice.Discard{}
	}
	return &Store{
		api:      api,
		sender:   sender,
		identity: identity,
		notifier: notifier,
		journal:  journal,
		logger:   logging.WithComponent("chat"),
		index:    make(map[types.ID]int),
		refresh:  make(chan struct{}, 1),
	}
}

// Register attaches the chat and moderation handlers to reg.
func (s *Store) Register(reg interfaces.HandlerRegistrar) func() {
	offChat := router.Handle(reg, types.FrameChatMessage, func(f *types.ChatMessageFrame) error {
		s.ReceiveMessage(f.Message)
		return nil
	})
	offModeration := router.Handle(reg, types.FrameAIModeration, s.HandleModeration)
	return func() {
		offChat()
		offModeration()
	}
}

// Start drains coalesced conversation refresh requests until ctx is done.
func (s *Store) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			if err := s.LoadRecentConversations(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("conversation refresh failed")
			}
		}
	}
}

// RefreshRequests exposes the coalesced refresh signal; tests and custom
// loops may drain it instead of calling Start.
func (s *Store) RefreshRequests() <-chan struct{} {
	return s.refresh
}

func (s *Store) scheduleRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// LoadRecentConversations replaces the conversation list with the server's.
// On failure the previous list is kept.
func (s *Store) LoadRecentConversations(ctx context.Context) error {
	s.mu.Lock()
	s.loadSeq++
	seq, epoch := s.loadSeq, s.epoch
	s.mu.Unlock()

	list, err := s.api.RecentConversations(ctx)
	if err != nil {
		return s.fail(epoch, "Could not load recent chats", fmt.Errorf("%w: recent conversations: %w", types.ErrRequestFailed, err))
	}

	sorted := append([]types.Conversation(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastMessageAt.After(sorted[j].LastMessageAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || seq < s.appliedLoad {
		return nil
	}
	s.appliedLoad = seq
	s.conversations = sorted
	s.lastErr = nil
	return nil
}

// SelectConversation fetches the log for peer and makes it the active
// conversation once the fetch succeeds.
func (s *Store) SelectConversation(ctx context.Context, peer types.Peer) error {
	if peer.ID.IsZero() {
		return fmt.Errorf("%w: peer id is empty", types.ErrInvalidPayload)
	}

	s.mu.Lock()
	s.gen++
	gen, epoch := s.gen, s.epoch
	s.pending = &pendingSelection{peer: peer, gen: gen}
	s.mu.Unlock()

	log, err := s.api.ConversationLog(ctx, peer.ID)
	if err != nil {
		s.mu.Lock()
		if s.pending != nil && s.pending.gen == gen {
			s.pending = nil
		}
		s.mu.Unlock()
		return s.fail(epoch, "Could not load the conversation", fmt.Errorf("%w: conversation log: %w", types.ErrRequestFailed, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || epoch != s.epoch || s.pending == nil || s.pending.gen != gen {
		s.logger.Debug().Str("peer_id", peer.ID.String()).Msg("superseded conversation fetch discarded")
		return nil
	}

	buffered := s.pending.buffered
	s.pending = nil
	active := peer
	s.active = &active
	s.messages = nil
	s.index = make(map[types.ID]int)
	for _, m := range log {
		s.insertLocked(m)
	}
	for _, m := range buffered {
		s.insertLocked(m)
	}
	s.lastErr = nil
	s.logger.Debug().Str("peer_id", peer.ID.String()).Int("messages", len(s.messages)).Msg("conversation selected")
	return nil
}

// insertLocked appends m unless its id is already in the active log.
func (s *Store) insertLocked(m types.ChatMessage) bool {
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	if m.Status == "" {
		m.Status = types.MessageDelivered
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	return true
}

// ReceiveMessage applies a pushed message. It is inserted once into the active
// log when it belongs to the active conversation, buffered when it belongs to a
// conversation still loading, and always triggers a conversation refresh.
func (s *Store) ReceiveMessage(msg types.ChatMessage) {
	s.mu.Lock()
	switch {
	case s.active != nil && msg.Involves(s.active.ID):
		s.insertLocked(msg)
	case s.pending != nil && msg.Involves(s.pending.peer.ID):
		dup := false
		for _, b := range s.pending.buffered {
			if b.ID == msg.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.pending.buffered = append(s.pending.buffered, msg)
		}
	}
	s.mu.Unlock()

	s.scheduleRefresh()
}

// SendMessage sends content to the active conversation over the socket. The
// message enters the log when the server echoes it back.
func (s *Store) SendMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return types.ErrEmptyMessage
	}
	me, ok := s.identity.Identity()
	if !ok {
		return types.ErrUnauthenticated
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return types.ErrNoActiveConversation
	}

	if err := s.sender.Send(types.NewChatFrame(content, me.UserID, active.ID)); err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	return nil
}

// MarkBlocked flags a message in the active log as blocked by moderation.
// The message is kept. Reports whether the message was found.
func (s *Store) MarkBlocked(id types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.messages[i].Status = types.MessageBlocked
	return true
}

// HandleModeration surfaces the moderator's warning, blocks the referenced
// message and journals the verdict.
func (s *Store) HandleModeration(f *types.ModerationFrame) error {
	text := f.Message
	if strings.TrimSpace(text) == "" {
		text = defaultModerationNotice
	}
	s.notifier.Notify(types.Notice{Level: types.NoticeWarning, Text: text})

	if !f.MessageID.IsZero() {
		if !s.MarkBlocked(f.MessageID) {
			s.logger.Debug().Str("message_id", f.MessageID.String()).Msg("moderated message not in active log")
		}
	}

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.journal.RecordModeration(ctx, &types.ModerationRecord{MessageID: f.MessageID, Notice: text}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to journal moderation event")
		}
	}
	return nil
}

// FetchOnlineUsers loads users active within the backend's presence window.
func (s *Store) FetchOnlineUsers(ctx context.Context) ([]types.OnlineUser, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	users, err := s.api.OnlineUsers(ctx)
	if err != nil {
		return nil, s.fail(epoch, "Could not load online users", fmt.Errorf("%w: online users: %w", types.ErrRequestFailed, err))
	}

	s.mu.Lock()
	if epoch == s.epoch {
		s.online = append([]types.OnlineUser(nil), users...)
	}
	s.mu.Unlock()
	return users, nil
}

// FindRandomPeer asks the backend for a random online user and opens a
// conversation with them.
func (s *Store) FindRandomPeer(ctx context.Context) (*types.Peer, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	user, err := s.api.RandomOnlineUser(ctx)
	if errors.Is(err, types.ErrNoPeerAvailable) {
		s.notifier.Notify(types.Notice{Level: types.NoticeInfo, Text: "No chat buddies are online right now."})
		return nil, types.ErrNoPeerAvailable
	}
	if err != nil {
		return nil, s.fail(epoch, "Could not find a chat buddy", fmt.Errorf("%w: random online user: %w", types.ErrRequestFailed, err))
	}

	peer := user.AsPeer()
	if err := s.SelectConversation(ctx, peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

// Reset clears all chat state (logout). In-flight results are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.gen++
	s.conversations = nil
	s.active = nil
	s.messages = nil
	s.index = make(map[types.ID]int)
	s.pending = nil
	s.online = nil
	s.lastErr = nil
	select {
	case <-s.refresh:
	default:
	}
}

// fail records err if epoch is still current and raises an error notice.
func (s *Store) fail(epoch uint64, text string, err error) error {
	s.mu.Lock()
	current := epoch == s.epoch
	if current {
		s.lastErr = err
	}
	s.mu.Unlock()
	if current {
		s.notifier.Notify(types.Notice{Level: types.NoticeError, Text: text, Err: err})
	}
	s.logger.Warn().Err(err).Msg(text)
	return err
}

// Conversations returns the conversation list, newest first.
func (s *Store) Conversations() []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Conversation(nil), s.conversations...)
}

// ActiveConversation returns the active peer, if any.
func (s *Store) ActiveConversation() (types.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return types.Peer{}, false
	}
	return *s.active, true
}

// Messages returns the active conversation log in arrival order.
func (s *Store) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatMessage(nil), s.messages...)
}

// LastError returns the most recent REST failure, cleared by the next success.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns a consistent copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Conversations: append([]types.Conversation(nil), s.conversations...),
		Messages:      append([]types.ChatMessage(nil), s.messages...),
		OnlineUsers:   append([]types.OnlineUser(nil), s.online...),
	}
	if s.active != nil {
		p := *s.active
		snap.Active = &p
	}
	if s.pending != nil {
		p := s.pending.peer
		snap.Pending = &p
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
