package events

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"

	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path:   filepath.Join(t.TempDir(), "events.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeSearcher struct {
	queries []string
	answer  string
	err     error
}

func (f *fakeSearcher) Iter(ctx context.Context, query string) iter.Seq2[agent.Node, error] {
	f.queries = append(f.queries, query)
	return func(yield func(agent.Node, error) bool) {
		if !yield(agent.Node{Kind: agent.NodeUserPrompt, Text: query}, nil) {
			return
		}
		if f.err != nil {
			yield(agent.Node{}, f.err)
			return
		}
		yield(agent.Node{Kind: agent.NodeEnd, Text: f.answer}, nil)
	}
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, Config{})
	assert.Error(t, err)

	_, err = NewService(newTestStore(t), nil, Config{ReplyWithAgent: true})
	assert.Error(t, err)
}

func TestGreet(t *testing.T) {
	store := newTestStore(t)
	svc, err := NewService(store, nil, Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	text, err := svc.Greet(ctx, Request{UserID: 42, Username: "anna"})
	require.NoError(t, err)
	assert.Equal(t, "Добро пожаловать, Как хотите провести время?", text)

	text, err = svc.Greet(ctx, Request{UserID: 42, Username: "anna"})
	require.NoError(t, err)
	assert.Equal(t, "Привет, Как хотите провести время?", text)

	user, err := store.Users().FindByID(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "anna", user.Username)
}

func TestGreetReturningUserWithColdCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Users().Add(ctx, storage.User{TelegramID: 7})
	require.NoError(t, err)

	svc, err := NewService(store, nil, Config{})
	require.NoError(t, err)

	text, err := svc.Greet(ctx, Request{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, Greeting(false), text)
}

func TestFindEventsAcknowledges(t *testing.T) {
	store := newTestStore(t)
	svc, err := NewService(store, nil, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	reply, err := svc.FindEvents(ctx, Request{UserID: 5, Username: "ivan", Text: "концерт в субботу"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "запрос принят", reply)

	user, err := store.Users().FindByID(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, user, "unknown users are registered on their first request")

	msgs, err := store.Messages().FindAll(ctx, storage.Filter{"user_id": int64(5)})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "концерт в субботу", msgs[0].Text)
}

func TestFindEventsWithAgent(t *testing.T) {
	store := newTestStore(t)
	searcher := &fakeSearcher{answer: "Сходите в Третьяковку."}
	svc, err := NewService(store, searcher, Config{ReplyWithAgent: true, HistoryLimit: 2})
	require.NoError(t, err)
	ctx := context.Background()

	for _, text := range []string{"первый", "второй", "третий"} {
		_, err := svc.FindEvents(ctx, Request{UserID: 9, Text: text}, nil)
		require.NoError(t, err)
	}

	var kinds []agent.NodeKind
	reply, err := svc.FindEvents(ctx, Request{UserID: 9, Text: "музей"}, func(n agent.Node) {
		kinds = append(kinds, n.Kind)
	})
	require.NoError(t, err)
	assert.Equal(t, "Сходите в Третьяковку.", reply)
	assert.Equal(t, []agent.NodeKind{agent.NodeUserPrompt, agent.NodeEnd}, kinds)

	last := searcher.queries[len(searcher.queries)-1]
	assert.Equal(t, "Контекст переписки - последние сообщения:\n- второй\n- третий\nЗапрос текущий - музей", last)

	count, err := store.Messages().Count(ctx, storage.Filter{"user_id": int64(9)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestFindEventsAgentFailure(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("model unavailable")
	svc, err := NewService(store, &fakeSearcher{err: boom}, Config{ReplyWithAgent: true})
	require.NoError(t, err)

	_, err = svc.FindEvents(context.Background(), Request{UserID: 3, Text: "кино"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestBuildContextPrompt(t *testing.T) {
	prompt := BuildContextPrompt(nil, "театр")
	assert.Equal(t, "Контекст переписки - последние сообщения:\nЗапрос текущий - театр", prompt)
}
