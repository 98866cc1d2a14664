package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/dosug/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MaxMessageLength is the Telegram limit for one text message, in runes.
const MaxMessageLength = 4096

const (
	defaultPollTimeout = 60
	defaultSendRate    = 25
	defaultSendBurst   = 5
)

// Config holds the bot connection settings.
type Config struct {
	Token       string
	APIEndpoint string  // Bot API URL template, the public API when empty
	PollTimeout int     // long polling timeout in seconds
	SendRate    float64 // outgoing requests per second
	SendBurst   int
	HTTPClient  *http.Client
}

// Bot represents a Telegram bot instance
type Bot struct {
	api     *tgbotapi.BotAPI
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// New authenticates against the Bot API and returns a bot.
func New(cfg Config, logger zerolog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("bot token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = defaultSendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = defaultSendBurst
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+10) * time.Second}
	}

	logger = logger.With().Str("component", "telegram").Logger()
	_ = tgbotapi.SetLogger(botLogger{logger})

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// Run long-polls for updates and passes each one to handle until ctx is
// cancelled. handle must not block for long; it runs on the polling
// goroutine.
func (b *Bot) Run(ctx context.Context, handle func(context.Context, tgbotapi.Update)) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bot is already running")
	}
	b.running = true
	b.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Int("poll_timeout", u.Timeout).Msg("Telegram bot started")

	defer func() {
		b.stop()
		b.logger.Info().Msg("Telegram bot stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			handle(ctx, update)
		}
	}
}

func (b *Bot) stop() {
	b.stopOnce.Do(b.api.StopReceivingUpdates)

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

// IsRunning returns whether the bot is polling
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Self returns the bot's own account.
func (b *Bot) Self() tgbotapi.User {
	return b.api.Self
}

// SendMessage sends text, split into several messages when it is too
// long. It returns the id of the first message sent.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	return b.SendMessageWithReply(ctx, chatID, text, 0)
}

// SendMessageWithReply sends text as a reply to replyTo (0 for none).
func (b *Bot) SendMessageWithReply(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	first := 0
	for i, chunk := range SplitMessage(text, MaxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}

		sent, err := b.send(ctx, msg)
		if err != nil {
			return first, fmt.Errorf("failed to send message: %w", err)
		}
		if i == 0 {
			first = sent.MessageID
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyTo).
		Msg("Message sent")

	return first, nil
}

// EditMessage replaces the text of a sent message. Editing to the same
// text is not an error.
func (b *Bot) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.send(ctx, edit); err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	if err := b.request(ctx, tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// SetCommands publishes the command list shown by Telegram clients.
func (b *Bot) SetCommands(ctx context.Context, commands ...tgbotapi.BotCommand) error {
	if err := b.request(ctx, tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	b.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// Notify sends text to every chat in chatIDs. Failures are logged and
// joined, one chat failing does not stop the others.
func (b *Bot) Notify(ctx context.Context, chatIDs []int64, text string) error {
	var errs []error
	for _, id := range chatIDs {
		if _, err := b.SendMessage(ctx, id, text); err != nil {
			b.logger.Warn().Err(err).Int64("chat_id", id).Msg("Failed to notify chat")
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	msg, err := b.api.Send(c)
	observability.RecordMessageSent(err == nil || isNotModified(err))
	return msg, err
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	return err
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Message, "message is not modified")
	}
	return false
}

// SplitMessage cuts text into chunks of at most limit runes, preferring
// to break after a newline.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// botLogger routes the Bot API library's messages into zerolog.
type botLogger struct {
	logger zerolog.Logger
}

func (l botLogger) Println(v ...any) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...any) {
	l.logger.Warn().Msgf(format, v...)
}
