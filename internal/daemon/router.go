package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/dosug/internal/telegram"
	"github.com/harun/dosug/internal/tracing"
	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/commandqueue"
	"github.com/harun/dosug/pkg/events"
	"github.com/rs/zerolog"
)

// Texts sent by the router.
const (
	apologyText   = "Извините, не удалось обработать запрос. Попробуйте позже."
	busyText      = "Слишком много запросов, подождите немного."
	queuedText    = "Ваш запрос в очереди, скоро отвечу."
	searchingText = "Ищу варианты..."
	thinkingText  = "Думаю..."
	resultsText   = "Смотрю результаты поиска..."
)

const queueWarnAfter = 30 * time.Second

// Messenger is the part of the bot the router talks through.
type Messenger interface {
	telegram.Editor
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	SendTyping(ctx context.Context, chatID int64) error
}

// RouterConfig holds the router collaborators.
type RouterConfig struct {
	Events    *events.Service
	Bot       Messenger
	Queue     *commandqueue.CommandQueue
	Streaming *telegram.Streaming // progress edits, nil to send only the answer
	WarnAfter time.Duration       // queue wait before the user is told, 30s when zero
	Logger    zerolog.Logger
}

// Router routes Telegram updates: /start to the greeting, any other text
// to the events service. Updates of one chat are handled in order.
type Router struct {
	events    *events.Service
	bot       Messenger
	queue     *commandqueue.CommandQueue
	streaming *telegram.Streaming
	commands  *telegram.Commands
	handler   *telegram.Handler
	warnAfter time.Duration
	logger    zerolog.Logger
}

// NewRouter creates a router and registers its commands.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = queueWarnAfter
	}

	r := &Router{
		events:    cfg.Events,
		bot:       cfg.Bot,
		queue:     cfg.Queue,
		streaming: cfg.Streaming,
		warnAfter: cfg.WarnAfter,
		logger:    cfg.Logger.With().Str("component", "router").Logger(),
	}

	r.commands = telegram.NewCommands(cfg.Bot, cfg.Logger)
	r.commands.Register("start", r.handleStart)
	r.handler = telegram.NewHandler(r.commands, r.handleMessage, cfg.Logger)

	return r
}

// BotCommands lists the commands shown in the Telegram menu.
func (r *Router) BotCommands() []tgbotapi.BotCommand {
	return []tgbotapi.BotCommand{
		{Command: "start", Description: "Начать"},
	}
}

// Dispatch queues update on its chat lane. It returns once the update is
// queued, so the polling loop is never blocked by a slow run.
func (r *Router) Dispatch(ctx context.Context, update tgbotapi.Update) {
	chat := update.FromChat()
	if chat == nil {
		_ = r.handler.HandleUpdate(ctx, update)
		return
	}

	logger := r.logger.With().
		Int("update_id", update.UpdateID).
		Int64("chat_id", chat.ID).
		Logger()

	err := r.queue.Submit(ctx, commandqueue.ChatLane(chat.ID), func(ctx context.Context) error {
		return r.Handle(ctx, update)
	}, &commandqueue.TaskOptions{
		RequestID: fmt.Sprintf("update:%d", update.UpdateID),
		WarnAfter: r.warnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			if _, err := r.bot.SendMessage(ctx, chat.ID, queuedText); err != nil {
				logger.Error().Err(err).Msg("Failed to send queue notice")
			}
		},
	})

	switch {
	case err == nil:
	case errors.Is(err, commandqueue.ErrDuplicate):
		logger.Debug().Msg("Duplicate update dropped")
	case errors.Is(err, commandqueue.ErrLaneFull):
		logger.Warn().Msg("Chat lane full, rejecting update")
		if _, sendErr := r.bot.SendMessage(ctx, chat.ID, busyText); sendErr != nil {
			logger.Error().Err(sendErr).Msg("Failed to send busy reply")
		}
	default:
		logger.Error().Err(err).Msg("Failed to queue update")
	}
}

// Handle processes one update synchronously.
func (r *Router) Handle(ctx context.Context, update tgbotapi.Update) error {
	err := r.handler.HandleUpdate(ctx, update)
	if errors.Is(err, telegram.ErrUnsupported) {
		r.logger.Debug().Int("update_id", update.UpdateID).Msg("Update ignored")
		return nil
	}
	return err
}

func (r *Router) handleStart(ctx context.Context, cmd telegram.CommandContext) error {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	text, err := r.events.Greet(ctx, events.Request{
		UserID:   cmd.UserID,
		Username: cmd.Username,
		Text:     cmd.Text,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Greeting failed")
		text = apologyText
	}

	_, sendErr := r.bot.SendMessage(ctx, cmd.ChatID, text)
	return sendErr
}

func (r *Router) handleMessage(ctx context.Context, msg telegram.MessageContext) error {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.bot.SendTyping(ctx, msg.ChatID); err != nil {
		logger.Debug().Err(err).Msg("Failed to send typing action")
	}

	req := events.Request{
		UserID:   msg.UserID,
		Username: msg.Username,
		Text:     msg.Text,
	}

	var stream *telegram.Stream
	var progress func(agent.Node)
	if r.streaming != nil {
		s, err := r.streaming.Start(ctx, msg.ChatID, msg.MessageID, searchingText)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to start progress message")
		} else {
			stream = s
			progress = func(node agent.Node) {
				text := progressText(node)
				if text == "" {
					return
				}
				if err := stream.Update(ctx, text); err != nil {
					logger.Debug().Err(err).Msg("Progress update failed")
				}
			}
		}
	}

	answer, err := r.events.FindEvents(ctx, req, progress)
	if err != nil {
		logger.Error().Err(err).Msg("Request failed")
		answer = apologyText
	}

	if stream != nil {
		return stream.Finish(ctx, answer)
	}
	_, sendErr := r.bot.SendMessage(ctx, msg.ChatID, answer)
	return sendErr
}

// progressText describes a run node for the progress message. Nodes that
// are not worth showing yield "".
func progressText(node agent.Node) string {
	switch node.Kind {
	case agent.NodeModelRequest:
		return thinkingText
	case agent.NodeCallTools:
		if len(node.ToolCalls) == 0 {
			return ""
		}
		return fmt.Sprintf("Ищу: %s...", node.ToolCalls[0].Name)
	case agent.NodeToolResult:
		return resultsText
	}
	return ""
}
