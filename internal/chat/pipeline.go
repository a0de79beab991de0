// Package chat persists room messages and fans them out to joined connections.
package chat

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/model"
)

const (
	MaxContentLength = 5000

	lockShards = 64
)

type Store interface {
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)
	AppendMessage(ctx context.Context, m model.Message) (model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	EditMessage(ctx context.Context, id, content string) (model.Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (model.Message, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int, includeDeleted bool) ([]model.Message, error)
	ListUserMessages(ctx context.Context, userID string, limit int) ([]model.Message, error)
}

// Authorizer returns the room when userID participates in it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, roomID string) (model.Room, error)
}

type Config struct {
	DefaultHistoryLimit int
	MaxHistoryLimit     int
	MaxRetries          int
	RetryDelay          time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultHistoryLimit: 50,
		MaxHistoryLimit:     200,
		MaxRetries:          3,
		RetryDelay:          50 * time.Millisecond,
	}
}

type Pipeline struct {
	cfg   Config
	store Store
	rooms Authorizer
	hub   *hub.Hub

	// Sends to one room hold its shard from persist to fan-out, so every
	// member observes the room's messages in sequence order.
	locks [lockShards]sync.Mutex
}

func NewPipeline(cfg Config, s Store, rooms Authorizer, h *hub.Hub) *Pipeline {
	def := DefaultConfig()
	if cfg.DefaultHistoryLimit <= 0 {
		cfg.DefaultHistoryLimit = def.DefaultHistoryLimit
	}
	if cfg.MaxHistoryLimit < cfg.DefaultHistoryLimit {
		cfg.MaxHistoryLimit = cfg.DefaultHistoryLimit
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pipeline{cfg: cfg, store: s, rooms: rooms, hub: h}
}

type Typing struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// SendMessage persists content as the next message of roomID and broadcasts
// it to every connection joined to the room.
func (p *Pipeline) SendMessage(ctx context.Context, actor hub.Actor, roomID, content string) (model.MessageView, error) {
	if err := validateContent(content); err != nil {
		return model.MessageView{}, err
	}
	if _, err := p.rooms.Authorize(ctx, actor.UserID(), roomID); err != nil {
		return model.MessageView{}, err
	}

	mu := p.lock(roomID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := p.append(ctx, model.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: actor.UserID(),
		Content:  content,
	})
	if err != nil {
		lg := logging.Ctx(ctx)
		lg.Error().Err(err).Str(logging.FieldOp, "send_message").
			Str(logging.FieldUserID, actor.UserID()).Str(logging.FieldRoomID, roomID).
			Msg("failed to persist message")
		return model.MessageView{}, err
	}

	view := model.NewMessageView(msg, actor.User.Summary())
	p.hub.EmitToRoom(roomID, hub.EventReceiveMessage, view, nil)
	return view, nil
}

// append retries transient store failures with the same message id. A
// conflict on a retry means an earlier attempt committed, so the stored row
// is returned instead of a second copy.
func (p *Pipeline) append(ctx context.Context, m model.Message) (model.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Message{}, apperr.Wrap(apperr.Unavailable, ctx.Err(), "append message")
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		msg, err := p.store.AppendMessage(ctx, m)
		if err == nil {
			return msg, nil
		}
		if attempt > 0 && apperr.Is(err, apperr.Conflict) {
			return p.store.GetMessage(ctx, m.ID)
		}
		if !apperr.Is(err, apperr.Unavailable) {
			return model.Message{}, err
		}

		lastErr = err
		lg := logging.Ctx(ctx)
		lg.Warn().Err(err).Int("attempt", attempt+1).Str(logging.FieldMessageID, m.ID).
			Str(logging.FieldRoomID, m.RoomID).Msg("append attempt failed")
	}
	return model.Message{}, lastErr
}

// EditMessage replaces the content of a message sent by actor.
func (p *Pipeline) EditMessage(ctx context.Context, actor hub.Actor, messageID, content string) (model.MessageView, error) {
	if err := validateContent(content); err != nil {
		return model.MessageView{}, err
	}
	msg, err := p.ownMessage(ctx, actor, messageID)
	if err != nil {
		return model.MessageView{}, err
	}
	if msg.Deleted {
		return model.MessageView{}, apperr.New(apperr.InvalidArgument, "deleted messages cannot be edited")
	}

	mu := p.lock(msg.RoomID)
	mu.Lock()
	defer mu.Unlock()

	msg, err = p.store.EditMessage(ctx, messageID, content)
	if err != nil {
		return model.MessageView{}, err
	}
	view := model.NewMessageView(msg, actor.User.Summary())
	p.hub.EmitToRoom(msg.RoomID, hub.EventMessageUpdated, view, nil)
	return view, nil
}

// DeleteMessage tombstones a message sent by actor. Deleting twice is not an
// error.
func (p *Pipeline) DeleteMessage(ctx context.Context, actor hub.Actor, messageID string) (model.MessageView, error) {
	msg, err := p.ownMessage(ctx, actor, messageID)
	if err != nil {
		return model.MessageView{}, err
	}

	mu := p.lock(msg.RoomID)
	mu.Lock()
	defer mu.Unlock()

	msg, err = p.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return model.MessageView{}, err
	}
	view := model.NewMessageView(msg, actor.User.Summary())
	p.hub.EmitToRoom(msg.RoomID, hub.EventMessageDeleted, view, nil)
	return view, nil
}

func (p *Pipeline) ownMessage(ctx context.Context, actor hub.Actor, messageID string) (model.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return model.Message{}, apperr.New(apperr.InvalidArgument, "messageId is required")
	}
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if msg.SenderID != actor.UserID() {
		return model.Message{}, apperr.New(apperr.Forbidden, "only the sender can change this message")
	}
	return msg, nil
}

// FetchHistory returns the latest messages of a room actor participates in,
// oldest first, without tombstones.
func (p *Pipeline) FetchHistory(ctx context.Context, actor hub.Actor, roomID string, limit int) ([]model.MessageView, error) {
	if _, err := p.rooms.Authorize(ctx, actor.UserID(), roomID); err != nil {
		return nil, err
	}
	msgs, err := p.store.ListRoomMessages(ctx, roomID, p.limit(limit), false)
	if err != nil {
		return nil, err
	}
	return p.views(ctx, msgs)
}

// FetchUserHistory returns the latest messages sent by userID, newest first.
func (p *Pipeline) FetchUserHistory(ctx context.Context, userID string, limit int) ([]model.MessageView, error) {
	msgs, err := p.store.ListUserMessages(ctx, userID, p.limit(limit))
	if err != nil {
		return nil, err
	}
	return p.views(ctx, msgs)
}

// Typing relays a typing indicator to the other members of a room the
// connection has joined.
func (p *Pipeline) Typing(actor hub.Actor, roomID string, isTyping bool) error {
	if actor.Conn == nil || !p.hub.InRoom(actor.Conn, roomID) {
		return apperr.New(apperr.Forbidden, "join the room first")
	}
	p.hub.EmitToRoom(roomID, hub.EventUserTyping, Typing{
		RoomID:   roomID,
		UserID:   actor.UserID(),
		Username: actor.User.Username,
		IsTyping: isTyping,
	}, actor.Conn)
	return nil
}

func (p *Pipeline) views(ctx context.Context, msgs []model.Message) ([]model.MessageView, error) {
	ids := make([]string, 0, len(msgs))
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			ids = append(ids, m.SenderID)
		}
	}
	users, err := p.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.NewMessageView(m, model.SummaryOf(users, m.SenderID)))
	}
	return out, nil
}

func (p *Pipeline) limit(n int) int {
	if n <= 0 {
		return p.cfg.DefaultHistoryLimit
	}
	if n > p.cfg.MaxHistoryLimit {
		return p.cfg.MaxHistoryLimit
	}
	return n
}

func (p *Pipeline) lock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &p.locks[h.Sum32()%lockShards]
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.New(apperr.InvalidArgument, "message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.New(apperr.InvalidArgument, "message content is too long")
	}
	return nil
}
