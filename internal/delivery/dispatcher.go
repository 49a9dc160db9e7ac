package delivery

import (
	"context"
	"html"
	"strconv"

	"golang.org/x/time/rate"

	"herald/internal/announce"
	"herald/internal/transport"
	"herald/pkg/logx"
)

type Config struct {
	// RatePerSec bounds outbound sends across all announcements. Telegram
	// allows roughly 30 messages per second bot-wide.
	RatePerSec int
}

// Dispatcher turns a due announcement into a single send attempt on the chat
// platform. No internal retry: a failed attempt is reported and left to the
// caller's policy.
type Dispatcher struct {
	adapter transport.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Dispatcher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	return &Dispatcher{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Apply updates the send limiter at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	d.limiter.SetLimit(rate.Limit(rps))
	d.limiter.SetBurst(rps)
}

// Resolve reports whether the destination currently resolves to a reachable
// chat. Used during startup reconciliation to weed out dead destinations.
func (d *Dispatcher) Resolve(ctx context.Context, destinationID string) error {
	chatID, err := parseDestination(destinationID)
	if err != nil {
		return err
	}
	if err := d.adapter.ResolveChat(ctx, chatID); err != nil {
		return classify(err)
	}
	return nil
}

// Send delivers one announcement occurrence: one attempt, classified error on
// failure.
func (d *Dispatcher) Send(ctx context.Context, a announce.Announcement) error {
	chatID, err := parseDestination(a.DestinationID)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return &Error{Reason: ReasonTransport, Err: err}
	}

	text, opt := render(a)
	if _, err := d.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		return classify(err)
	}
	d.log.Debug("announcement delivered",
		logx.String("id", a.ID), logx.String("dest", a.DestinationID), logx.Bool("rich", a.Rich))
	return nil
}

// render produces the outgoing message body. Rich announcements use HTML
// parse mode with a bold title; plain ones are sent verbatim.
func render(a announce.Announcement) (string, *transport.SendOptions) {
	if a.Rich {
		text := "<b>" + html.EscapeString(a.Title) + "</b>\n\n" + html.EscapeString(a.Content)
		return text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: false}
	}
	return a.Title + "\n\n" + a.Content, &transport.SendOptions{}
}

func parseDestination(destinationID string) (int64, error) {
	chatID, err := strconv.ParseInt(destinationID, 10, 64)
	if err != nil {
		return 0, &Error{Reason: ReasonUnreachable, Err: err}
	}
	return chatID, nil
}
