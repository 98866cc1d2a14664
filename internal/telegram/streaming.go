package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultStreamInterval = time.Second

// Editor sends and edits messages. *Bot implements it.
type Editor interface {
	Sender
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error
}

// Streaming shows progress by editing one status message in place.
type Streaming struct {
	bot      Editor
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// Stream represents an active status message
type Stream struct {
	streaming *Streaming
	ChatID    int64
	MessageID int

	mu         sync.Mutex
	text       string
	lastUpdate time.Time
}

// NewStreaming creates a streaming helper. Intermediate edits of one
// stream are at least interval apart.
func NewStreaming(bot Editor, interval time.Duration, logger zerolog.Logger) *Streaming {
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	return &Streaming{
		bot:      bot,
		interval: interval,
		logger:   logger.With().Str("component", "telegram").Str("module", "streaming").Logger(),
		now:      time.Now,
	}
}

// Start sends the initial status message.
func (s *Streaming) Start(ctx context.Context, chatID int64, replyTo int, initialText string) (*Stream, error) {
	id, err := s.bot.SendMessageWithReply(ctx, chatID, initialText, replyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to send initial message: %w", err)
	}

	s.logger.Debug().
		Int64("chat_id", chatID).
		Int("message_id", id).
		Msg("Stream started")

	return &Stream{
		streaming:  s,
		ChatID:     chatID,
		MessageID:  id,
		text:       initialText,
		lastUpdate: s.now(),
	}, nil
}

// Update shows text in the status message unless the previous edit was
// too recent or the text is unchanged. Skipped updates are not retried.
func (st *Stream) Update(ctx context.Context, text string) error {
	st.mu.Lock()
	if text == "" || text == st.text || st.streaming.now().Sub(st.lastUpdate) < st.streaming.interval {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	return st.edit(ctx, truncateRunes(text, MaxMessageLength))
}

// Finish replaces the status message with the final text. Text longer
// than one message continues in new messages.
func (st *Stream) Finish(ctx context.Context, text string) error {
	chunks := SplitMessage(text, MaxMessageLength)
	if err := st.edit(ctx, chunks[0]); err != nil {
		return err
	}

	for _, chunk := range chunks[1:] {
		if _, err := st.streaming.bot.SendMessageWithReply(ctx, st.ChatID, chunk, 0); err != nil {
			return err
		}
	}

	st.streaming.logger.Debug().
		Int64("chat_id", st.ChatID).
		Int("message_id", st.MessageID).
		Int("chunks", len(chunks)).
		Msg("Stream finished")
	return nil
}

// Text returns the text currently shown.
func (st *Stream) Text() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text
}

func (st *Stream) edit(ctx context.Context, text string) error {
	if err := st.streaming.bot.EditMessage(ctx, st.ChatID, st.MessageID, text); err != nil {
		return err
	}

	st.mu.Lock()
	st.text = text
	st.lastUpdate = st.streaming.now()
	st.mu.Unlock()
	return nil
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
