package daemon

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/dosug/internal/config"
	"github.com/harun/dosug/internal/telegram/telegramtest"
	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressText(t *testing.T) {
	tests := []struct {
		name string
		node agent.Node
		want string
	}{
		{"user prompt", agent.Node{Kind: agent.NodeUserPrompt, Text: "каток"}, ""},
		{"model request", agent.Node{Kind: agent.NodeModelRequest}, thinkingText},
		{"answer without tools", agent.Node{Kind: agent.NodeCallTools, Text: "готово"}, ""},
		{
			"tool call",
			agent.Node{Kind: agent.NodeCallTools, ToolCalls: []agent.ToolCall{{ID: "1", Name: "yandex_search"}}},
			"Ищу: yandex_search...",
		},
		{"tool result", agent.Node{Kind: agent.NodeToolResult}, resultsText},
		{"end", agent.Node{Kind: agent.NodeEnd, Text: "ответ"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, progressText(tt.node))
		})
	}
}

func TestRouterBotCommands(t *testing.T) {
	d, _ := createTestDaemon(t, nil, nil)
	defer d.release()

	commands := d.Router().BotCommands()
	require.Len(t, commands, 1)
	assert.Equal(t, "start", commands[0].Command)
}

func TestRouterHandleIgnoresUnsupportedUpdates(t *testing.T) {
	d, srv := createTestDaemon(t, nil, nil)
	defer d.release()

	ctx := context.Background()
	require.NoError(t, d.Router().Handle(ctx, tgbotapi.Update{UpdateID: 1}))

	sticker := telegramtest.TextUpdate(2, userID, "masha", "")
	require.NoError(t, d.Router().Handle(ctx, sticker))

	// Updates without a chat are handled inline.
	d.Router().Dispatch(ctx, tgbotapi.Update{UpdateID: 3})

	assert.Empty(t, srv.Calls("sendMessage"))
}

func TestRouterUnknownCommand(t *testing.T) {
	d, srv := createTestDaemon(t, nil, nil)
	defer d.release()

	err := d.Router().Handle(context.Background(), telegramtest.TextUpdate(1, userID, "masha", "/help"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Неизвестная команда: /help"}, srv.Texts(userID))
}

func TestRouterDispatchDropsDuplicates(t *testing.T) {
	d, srv := createTestDaemon(t, nil, nil)
	defer d.release()

	ctx := context.Background()
	update := telegramtest.TextUpdate(5, userID, "masha", "/start")
	d.Router().Dispatch(ctx, update)
	d.Router().Dispatch(ctx, update)

	assert.Eventually(t, func() bool {
		return len(srv.Texts(userID)) >= 1
	}, waitFor, pollTick)
	assert.Never(t, func() bool {
		return len(srv.Texts(userID)) > 1
	}, 100*pollTick, pollTick)
}

func TestRouterTellsWaitingUsers(t *testing.T) {
	d, srv := createTestDaemon(t, nil, nil)
	defer d.release()

	router := NewRouter(RouterConfig{
		Events:    d.events,
		Bot:       d.bot,
		Queue:     d.queue,
		WarnAfter: 20 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})

	release := make(chan struct{})
	require.NoError(t, d.queue.Submit(context.Background(), commandqueue.ChatLane(userID), func(ctx context.Context) error {
		<-release
		return nil
	}, nil))

	router.Dispatch(context.Background(), telegramtest.TextUpdate(9, userID, "masha", "/start"))

	assert.Eventually(t, func() bool {
		texts := srv.Texts(userID)
		return len(texts) == 1 && texts[0] == queuedText
	}, waitFor, pollTick)

	close(release)
	assert.Eventually(t, func() bool {
		return len(srv.Texts(userID)) == 2
	}, waitFor, pollTick)
	assert.Contains(t, srv.Texts(userID)[1], "Добро пожаловать")
}

func TestRouterLaneFullAllowsRetry(t *testing.T) {
	d, srv := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Bot.QueueSize = 1
	}, nil)
	defer d.release()

	release := make(chan struct{})
	started := make(chan struct{})
	lane := commandqueue.ChatLane(userID)
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, d.queue.Submit(context.Background(), lane, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil))
	<-started
	require.NoError(t, d.queue.Submit(context.Background(), lane, noop, nil))

	update := telegramtest.TextUpdate(11, userID, "masha", "/start")
	d.Router().Dispatch(context.Background(), update)
	assert.Eventually(t, func() bool {
		texts := srv.Texts(userID)
		return len(texts) == 1 && texts[0] == busyText
	}, waitFor, pollTick)

	close(release)
	assert.Eventually(t, func() bool {
		return len(d.queue.Stats()) == 0
	}, waitFor, pollTick)

	d.Router().Dispatch(context.Background(), update)
	assert.Eventually(t, func() bool {
		return len(srv.Texts(userID)) == 2
	}, waitFor, pollTick)
	assert.Contains(t, srv.Texts(userID)[1], "Добро пожаловать")
}
