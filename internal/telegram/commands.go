package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender delivers command replies.
type Sender interface {
	SendMessageWithReply(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
}

// CommandFunc is a function that handles a command
type CommandFunc func(ctx context.Context, cmd CommandContext) error

// CommandContext contains command metadata
type CommandContext struct {
	MessageContext
	Command string
	Args    []string
	RawArgs string
}

// Commands is the bot command registry.
type Commands struct {
	sender Sender
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

// NewCommands creates a command registry replying through sender.
func NewCommands(sender Sender, logger zerolog.Logger) *Commands {
	return &Commands{
		sender:   sender,
		logger:   logger.With().Str("component", "telegram").Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
	}
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	cmd := CommandContext{
		MessageContext: NewMessageContext(update),
		Command:        msg.Command(),
		Args:           strings.Fields(msg.CommandArguments()),
		RawArgs:        msg.CommandArguments(),
	}

	c.logger.Debug().
		Int64("chat_id", cmd.ChatID).
		Str("command", cmd.Command).
		Strs("args", cmd.Args).
		Msg("Command received")

	c.mu.RLock()
	handler, exists := c.handlers[cmd.Command]
	c.mu.RUnlock()

	if !exists {
		return c.sendUnknownCommand(ctx, cmd)
	}
	return handler(ctx, cmd)
}

// Register registers a command handler
func (c *Commands) Register(command string, handler CommandFunc) {
	c.mu.Lock()
	c.handlers[command] = handler
	c.mu.Unlock()
	c.logger.Debug().Str("command", command).Msg("Command registered")
}

// Registered returns the registered commands, sorted.
func (c *Commands) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	commands := make([]string, 0, len(c.handlers))
	for cmd := range c.handlers {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// Reply answers the message that carried cmd.
func (c *Commands) Reply(ctx context.Context, cmd CommandContext, text string) error {
	_, err := c.sender.SendMessageWithReply(ctx, cmd.ChatID, text, cmd.MessageID)
	return err
}

func (c *Commands) sendUnknownCommand(ctx context.Context, cmd CommandContext) error {
	return c.Reply(ctx, cmd, fmt.Sprintf("Неизвестная команда: /%s", cmd.Command))
}
