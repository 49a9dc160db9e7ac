package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"herald/internal/announce"
	"herald/internal/scheduler"
	"herald/internal/storage"
	"herald/internal/transport"
	"herald/pkg/logx"
)

// Commands handles the owner-facing command surface. Announcements carry the
// chat the command was issued in as their scope, so /list and /cancel in a
// chat only see what was created there.
type Commands struct {
	log      logx.Logger
	adapter  transport.Adapter
	store    storage.Store
	sched    *scheduler.Service
	resolver Resolver

	mu        sync.RWMutex
	owners    []int64
	maxActive int
}

// Resolver checks that a destination is reachable before a record is
// persisted for it.
type Resolver interface {
	Resolve(ctx context.Context, destinationID string) error
}

func NewCommands(adapter transport.Adapter, store storage.Store, sched *scheduler.Service, resolver Resolver, owners []int64, maxActive int, log logx.Logger) *Commands {
	return &Commands{
		log:       log,
		adapter:   adapter,
		store:     store,
		sched:     sched,
		resolver:  resolver,
		owners:    append([]int64(nil), owners...),
		maxActive: maxActive,
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (c *Commands) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	c.mu.Lock()
	c.owners = cp
	c.mu.Unlock()
}

func (c *Commands) SetMaxActive(n int) {
	c.mu.Lock()
	c.maxActive = n
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Menu is the command list published to the platform's command menu.
func Menu() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "announce", Description: "schedule an announcement"},
		{Command: "list", Description: "list scheduled announcements in this chat"},
		{Command: "cancel", Description: "cancel a scheduled announcement"},
		{Command: "debug", Description: "scheduler state"},
		{Command: "help", Description: "usage"},
	}
}

// Handle routes one inbound message. Non-commands and non-owners are
// ignored silently; a bot that replies to strangers invites probing.
func (c *Commands) Handle(ctx context.Context, msg *transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if !c.isOwner(msg.FromID) {
		c.log.Debug("command from non-owner ignored",
			logx.Int64("from", msg.FromID), logx.Int64("chat", msg.ChatID))
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	var reply string
	var err error
	switch word {
	case "announce":
		reply, err = c.handleAnnounce(ctx, msg, args)
	case "list":
		reply, err = c.handleList(ctx, msg)
	case "cancel":
		reply, err = c.handleCancel(ctx, args)
	case "debug":
		reply, err = c.handleDebug(ctx)
	case "help":
		reply = helpText
	default:
		return
	}
	if err != nil {
		c.log.Warn("command failed", logx.String("cmd", word), logx.Err(err))
		reply = "error: " + err.Error()
	}
	c.reply(ctx, msg, reply)
}

func (c *Commands) reply(ctx context.Context, msg *transport.Message, text string) {
	if text == "" {
		return
	}
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := c.adapter.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

const helpText = `commands:
/announce <chat-id|here> <when> <every> [--rich] <message>
    when:  RFC3339 (2026-01-02T15:00:00Z) or "YYYY-MM-DD HH:MM" (UTC)
    every: "once" or repeat interval in hours (1..720)
/list            scheduled announcements created in this chat
/cancel <id>     cancel a scheduled announcement
/debug           armed timers vs stored records
/help            this text`

// announceRequest is the parsed form of an /announce invocation.
type announceRequest struct {
	Destination string
	At          time.Time
	RepeatHours int
	Rich        bool
	Message     string
}

var errUsage = errors.New(`usage: /announce <chat-id|here> <when> <every> [--rich] <message>`)

// parseAnnounceArgs parses the /announce argument list. hereChat is the chat
// the command was issued in, substituted for the "here" destination.
func parseAnnounceArgs(args []string, hereChat int64) (announceRequest, error) {
	if len(args) < 4 {
		return announceRequest{}, errUsage
	}

	var req announceRequest

	dest := args[0]
	if strings.EqualFold(dest, "here") {
		dest = strconv.FormatInt(hereChat, 10)
	} else if _, err := strconv.ParseInt(dest, 10, 64); err != nil {
		return announceRequest{}, fmt.Errorf("destination must be a chat id or \"here\": %q", args[0])
	}
	req.Destination = dest

	at, rest, err := parseWhen(args[1:])
	if err != nil {
		return announceRequest{}, err
	}
	req.At = at

	if len(rest) < 2 {
		return announceRequest{}, errUsage
	}
	switch every := strings.ToLower(rest[0]); every {
	case "once":
		req.RepeatHours = 0
	default:
		n, err := strconv.Atoi(every)
		if err != nil || n < 1 || n > announce.MaxRepeatHours {
			return announceRequest{}, fmt.Errorf("every must be \"once\" or hours in 1..%d: %q", announce.MaxRepeatHours, rest[0])
		}
		req.RepeatHours = n
	}
	rest = rest[1:]

	if rest[0] == "--rich" {
		req.Rich = true
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return announceRequest{}, errUsage
	}
	req.Message = strings.Join(rest, " ")
	return req, nil
}

// parseWhen consumes one or two tokens as a timestamp: RFC3339 in a single
// token, or "YYYY-MM-DD HH:MM" (interpreted as UTC) across two.
func parseWhen(args []string) (time.Time, []string, error) {
	if len(args) == 0 {
		return time.Time{}, nil, errUsage
	}
	if t, err := time.Parse(time.RFC3339, args[0]); err == nil {
		return t.UTC(), args[1:], nil
	}
	if len(args) >= 2 {
		if t, err := time.Parse("2006-01-02 15:04", args[0]+" "+args[1]); err == nil {
			return t.UTC(), args[2:], nil
		}
	}
	return time.Time{}, nil, fmt.Errorf("unrecognized time %q (want RFC3339 or \"YYYY-MM-DD HH:MM\" UTC)", args[0])
}

func (c *Commands) handleAnnounce(ctx context.Context, msg *transport.Message, args []string) (string, error) {
	req, err := parseAnnounceArgs(args, msg.ChatID)
	if err != nil {
		return "", err
	}

	scope := strconv.FormatInt(msg.ChatID, 10)
	c.mu.RLock()
	limit := c.maxActive
	c.mu.RUnlock()
	if n, err := c.store.CountActive(ctx, scope); err != nil {
		return "", err
	} else if n >= limit {
		return "", fmt.Errorf("this chat already has %d scheduled announcements (cap %d); cancel one first", n, limit)
	}

	rec, err := announce.New(
		strconv.FormatInt(msg.FromID, 10),
		req.Destination,
		scope,
		"", // default title
		req.Message,
		req.At,
		req.RepeatHours,
		req.Rich,
		time.Now(),
	)
	if err != nil {
		return "", err
	}

	// Verify the destination before persisting so a typo'd chat id fails
	// the command instead of producing a doomed record.
	if err := c.resolver.Resolve(ctx, rec.DestinationID); err != nil {
		return "", fmt.Errorf("destination %s is not reachable: %w", rec.DestinationID, err)
	}

	if err := c.store.CreateAnnouncement(ctx, rec); err != nil {
		return "", err
	}
	if err := c.sched.Schedule(ctx, rec); err != nil {
		return "", err
	}

	when := rec.ScheduledAt.Format(time.RFC3339)
	if rec.Recurring() {
		return fmt.Sprintf("scheduled %s: first at %s, then every %dh", rec.ID, when, rec.RepeatHours), nil
	}
	return fmt.Sprintf("scheduled %s: fires at %s", rec.ID, when), nil
}

func (c *Commands) handleList(ctx context.Context, msg *transport.Message) (string, error) {
	scope := strconv.FormatInt(msg.ChatID, 10)
	recs, err := c.store.ListAnnouncementsByStatus(ctx, announce.StatusScheduled, scope)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "no scheduled announcements in this chat", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d scheduled:\n", len(recs))
	for _, r := range recs {
		cadence := "once"
		if r.Recurring() {
			cadence = fmt.Sprintf("every %dh", r.RepeatHours)
		}
		fmt.Fprintf(&b, "%s  %s  %s  -> %s  %s\n",
			r.ID, r.ScheduledAt.Format(time.RFC3339), cadence, r.DestinationID, snippet(r.Content, 40))
	}
	return b.String(), nil
}

func (c *Commands) handleCancel(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /cancel <id>")
	}
	id := args[0]
	if err := c.sched.Cancel(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("no announcement %s", id)
		}
		return "", err
	}
	return "cancelled " + id, nil
}

func (c *Commands) handleDebug(ctx context.Context) (string, error) {
	snap, err := c.sched.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "scheduled records: %d\narmed timers: %d\n", snap.Scheduled, len(snap.Armed))
	for _, t := range snap.Armed {
		fmt.Fprintf(&b, "%s  fires %s\n", t.ID, t.At.Format(time.RFC3339))
	}
	return b.String(), nil
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
