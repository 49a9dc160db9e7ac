package transport

import "context"

// Update is one inbound event from the chat platform, fanned into the bot's
// update channel by the adapter.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an outbound send.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message the adapter has sent.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotCommand is a single entry in the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter abstracts the chat platform. Implementations must be safe for
// concurrent use; Send errors are returned raw so callers can classify them
// against the platform's error values.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// ResolveChat reports whether the chat exists and is reachable by the bot.
	ResolveChat(ctx context.Context, chatID int64) error

	// SetCommands publishes the bot command menu. Best-effort.
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
