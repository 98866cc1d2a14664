package events

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/tracing"
	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Replies sent to users.
const (
	Acknowledgement = "запрос принят"
	welcomeNew      = "Добро пожаловать"
	welcomeBack     = "Привет"
	greetingSuffix  = ", Как хотите провести время?"
)

const (
	defaultHistoryLimit = 10
	defaultCacheSize    = 4096
)

// Searcher runs the search agent. *agent.Session implements it.
type Searcher interface {
	Iter(ctx context.Context, query string) iter.Seq2[agent.Node, error]
}

// Request is an incoming user message.
type Request struct {
	UserID   int64
	Username string
	Text     string
}

// Config holds service settings.
type Config struct {
	HistoryLimit   int  // previous messages kept as context, 10 when zero
	ReplyWithAgent bool // answer through the agent instead of acknowledging
	CacheSize      int  // known users remembered in memory
	Logger         zerolog.Logger
}

// Service handles greetings and leisure requests.
type Service struct {
	store          *storage.Store
	searcher       Searcher
	historyLimit   int
	replyWithAgent bool
	known          *lru.Cache[int64, struct{}]
	logger         zerolog.Logger
}

// NewService creates a service. searcher may be nil when ReplyWithAgent is off.
func NewService(store *storage.Store, searcher Searcher, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("events service requires a store")
	}
	if cfg.ReplyWithAgent && searcher == nil {
		return nil, errors.New("reply_with_agent requires a search agent")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	known, err := lru.New[int64, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}

	return &Service{
		store:          store,
		searcher:       searcher,
		historyLimit:   cfg.HistoryLimit,
		replyWithAgent: cfg.ReplyWithAgent,
		known:          known,
		logger:         cfg.Logger.With().Str("component", "events").Logger(),
	}, nil
}

// Greet registers the user if needed and returns the greeting.
func (s *Service) Greet(ctx context.Context, req Request) (string, error) {
	created, err := s.ensureUser(ctx, req)
	if err != nil {
		return "", err
	}
	return Greeting(created), nil
}

// Greeting returns the welcome text for a new or returning user.
func Greeting(newUser bool) string {
	if newUser {
		return welcomeNew + greetingSuffix
	}
	return welcomeBack + greetingSuffix
}

// FindEvents stores the request and produces the reply. progress, when
// set, receives every agent node as it is produced.
func (s *Service) FindEvents(ctx context.Context, req Request, progress func(agent.Node)) (string, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if _, err := s.ensureUser(ctx, req); err != nil {
		return "", err
	}

	history, err := s.store.Messages().FindLastN(ctx, s.historyLimit, storage.Filter{"user_id": req.UserID})
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	if _, err := s.store.Messages().Add(ctx, storage.Message{Text: req.Text, UserID: req.UserID}); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	logger.Debug().Int("history", len(history)).Msg("Request stored")

	if !s.replyWithAgent {
		return Acknowledgement, nil
	}

	answer, err := agent.Drain(s.searcher.Iter(ctx, BuildContextPrompt(history, req.Text)), progress)
	if err != nil {
		return "", fmt.Errorf("search agent: %w", err)
	}
	return answer, nil
}

// BuildContextPrompt renders the recent history (newest first, as loaded)
// in chronological order followed by the current request.
func BuildContextPrompt(history []storage.Message, text string) string {
	var b strings.Builder
	b.WriteString("Контекст переписки - последние сообщения:\n")
	for i := len(history) - 1; i >= 0; i-- {
		b.WriteString("- ")
		b.WriteString(history[i].Text)
		b.WriteString("\n")
	}
	b.WriteString("Запрос текущий - ")
	b.WriteString(text)
	return b.String()
}

// ensureUser finds or creates the user and reports whether it was created.
func (s *Service) ensureUser(ctx context.Context, req Request) (bool, error) {
	if s.known.Contains(req.UserID) {
		return false, nil
	}

	users := s.store.Users()
	user, err := users.FindOneOrNone(ctx, storage.Filter{"telegram_id": req.UserID})
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	if user != nil {
		s.known.Add(req.UserID, struct{}{})
		return false, nil
	}

	_, addErr := users.Add(ctx, storage.User{TelegramID: req.UserID, Username: req.Username})
	if addErr != nil {
		// Another update may have registered the user first.
		user, err := users.FindOneOrNone(ctx, storage.Filter{"telegram_id": req.UserID})
		if err != nil || user == nil {
			return false, fmt.Errorf("failed to register user: %w", addErr)
		}
		s.known.Add(req.UserID, struct{}{})
		return false, nil
	}

	s.known.Add(req.UserID, struct{}{})
	observability.RecordUserRegistered()
	regLogger := tracing.LoggerFromContext(ctx, s.logger)
	regLogger.Info().
		Int64("telegram_id", req.UserID).
		Str("username", req.Username).
		Msg("User registered")
	return true, nil
}
