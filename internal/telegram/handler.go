package telegram

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnsupported marks updates the bot does not handle.
var ErrUnsupported = errors.New("unsupported update")

// MessageContext contains message metadata
type MessageContext struct {
	UpdateID  int
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	ReplyToID int
}

// MessageFunc handles a plain text message.
type MessageFunc func(ctx context.Context, msg MessageContext) error

// Handler turns updates into command or message calls.
type Handler struct {
	commands  *Commands
	onMessage MessageFunc
	logger    zerolog.Logger
}

// NewHandler creates a handler. Commands go to commands, everything else
// with text goes to onMessage.
func NewHandler(commands *Commands, onMessage MessageFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		commands:  commands,
		onMessage: onMessage,
		logger:    logger.With().Str("component", "telegram").Str("module", "handler").Logger(),
	}
}

// HandleUpdate processes one update. It returns ErrUnsupported for
// updates without a text message.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		observability.RecordUpdate("ignored")
		return ErrUnsupported
	}

	mc := NewMessageContext(update)
	ctx = tracing.NewUpdateContext(ctx, mc.ChatID, mc.UserID)
	ctx, span := tracing.StartSpan(ctx, "telegram", "telegram.update",
		attribute.Int("telegram.update_id", update.UpdateID),
		attribute.Int64("telegram.chat_id", mc.ChatID),
	)

	logger := tracing.LoggerFromContext(ctx, h.logger)
	logger.Debug().
		Str("username", mc.Username).
		Bool("is_group", mc.IsGroup).
		Bool("is_command", msg.IsCommand()).
		Msg("Message received")

	var err error
	if msg.IsCommand() && h.commands != nil {
		observability.RecordUpdate("command")
		err = h.commands.HandleCommand(ctx, update)
	} else {
		observability.RecordUpdate("message")
		if h.onMessage != nil {
			err = h.onMessage(ctx, mc)
		}
	}

	tracing.EndSpan(span, err)
	return err
}

// NewMessageContext extracts the message metadata of update.
func NewMessageContext(update tgbotapi.Update) MessageContext {
	msg := update.Message
	mc := MessageContext{
		UpdateID:  update.UpdateID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msg.From != nil {
		mc.UserID = msg.From.ID
		mc.Username = msg.From.UserName
	}
	if msg.ReplyToMessage != nil {
		mc.ReplyToID = msg.ReplyToMessage.MessageID
	}
	return mc
}
