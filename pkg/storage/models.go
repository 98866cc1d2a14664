package storage

import "time"

// User is a Telegram user known to the bot.
type User struct {
	TelegramID int64
	Username   string // empty when the user has no public username
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one text a user sent to the bot.
type Message struct {
	ID        int64
	Text      string
	UserID    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
