package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/engine"
)

// telegramMaxMessage is the hard length cap the Bot API enforces per message.
const telegramMaxMessage = 4096

const startGreeting = "This bot relays your messages to a coding agent. " +
	"Send any message to talk to it.\n" +
	"Commands: /pause holds messages, /resume replays them, /reset starts a fresh conversation."

// TelegramChannel bridges Telegram chats to the relay. Each chat maps to one
// thread ("tg-<chatID>"), so group members share a conversation and private
// chats get their own.
type TelegramChannel struct {
	token         string
	allowedIDs    map[int64]struct{}
	resumeKeyword string
	relay         Relay
	bus           *bus.Bus
	bot           *tgbotapi.BotAPI

	pendingMu   sync.Mutex
	pendingJobs map[string]int64 // jobID -> chatID, drives the typing indicator
}

// NewTelegramChannel builds the channel from its config section. The event
// bus carries job results back; replies are delivered for any job whose
// thread belongs to this channel, including jobs enqueued via the ops API.
func NewTelegramChannel(cfg config.TelegramConfig, relay Relay, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	keyword := cfg.ResumeKeyword
	if keyword == "" {
		keyword = "resume"
	}
	return &TelegramChannel{
		token:         cfg.Token,
		allowedIDs:    allowed,
		resumeKeyword: keyword,
		relay:         relay,
		bus:           eventBus,
		pendingJobs:   make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram bot started", "user", t.bot.Self.UserName, "allowed_ids", len(t.allowedIDs))

	go t.monitorResults(ctx)
	go t.typingLoop(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			slog.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was canceled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or nothing arrives within 2.5x the long-poll timeout. The library
// blocks rather than closing the channel on a dead connection, so the stall
// timer is the only disconnect signal.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset the stall timer on every received update, including
			// empty long-poll returns.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				slog.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	threadID := threadIDForChat(msg.Chat.ID)
	author := strconv.FormatInt(msg.From.ID, 10)

	switch classifyInbound(content, t.resumeKeyword) {
	case inboundEmpty:
		return
	case inboundStart:
		t.reply(msg.Chat.ID, startGreeting)
	case inboundPause:
		applied, err := t.relay.Pause(ctx, threadID, author)
		if err != nil {
			slog.Error("pause failed", "thread_id", threadID, "error", err)
			t.reply(msg.Chat.ID, "Could not pause this conversation.")
			return
		}
		if applied {
			t.reply(msg.Chat.ID, "Paused. Messages will be held until you resume.")
		} else {
			t.reply(msg.Chat.ID, "Already paused.")
		}
	case inboundResume:
		t.handleResume(ctx, msg.Chat.ID, threadID)
	case inboundReset:
		existed, err := t.relay.ResetSession(ctx, threadID)
		if err != nil {
			slog.Error("reset failed", "thread_id", threadID, "error", err)
			t.reply(msg.Chat.ID, "Could not reset this conversation.")
			return
		}
		if existed {
			t.reply(msg.Chat.ID, "Session reset. The next message starts a fresh conversation.")
		} else {
			t.reply(msg.Chat.ID, "No active session to reset.")
		}
	case inboundUnknownCommand:
		t.reply(msg.Chat.ID, "Unknown command. Available: /pause, /resume, /reset.")
	case inboundPrompt:
		t.submitPrompt(ctx, msg.Chat.ID, threadID, author, content)
	}
}

func (t *TelegramChannel) submitPrompt(ctx context.Context, chatID int64, threadID, author, content string) {
	res, err := t.relay.Submit(ctx, engine.Inbound{ThreadID: threadID, AuthorID: author, Content: content})
	switch {
	case errors.Is(err, engine.ErrRateLimited):
		// Admission denials are dropped without feedback.
		slog.Debug("submit rate limited", "thread_id", threadID, "author_id", author)
	case errors.Is(err, engine.ErrTurnLimit):
		t.reply(chatID, "This conversation reached its turn limit. Send /reset to start fresh.")
	case errors.Is(err, engine.ErrSessionExpired):
		t.reply(chatID, "This session passed its age limit. Send /reset to start fresh.")
	case errors.Is(err, engine.ErrQueueSaturated):
		t.reply(chatID, "The relay is at capacity right now. Try again shortly.")
	case err != nil:
		slog.Error("submit failed", "thread_id", threadID, "error", err)
		t.reply(chatID, "Could not queue your message. Try again shortly.")
	case res.Outcome == engine.SubmitHeld:
		t.reply(chatID, "Message held; this conversation is paused. Send /resume to continue.")
	default:
		t.trackJob(res.JobID, chatID)
		t.sendTyping(chatID)
	}
}

func (t *TelegramChannel) handleResume(ctx context.Context, chatID int64, threadID string) {
	held, err := t.relay.Resume(ctx, threadID)
	if err != nil {
		slog.Error("resume failed", "thread_id", threadID, "error", err)
		t.reply(chatID, "Could not resume this conversation.")
		return
	}
	if len(held) == 0 {
		t.reply(chatID, "Resumed.")
		return
	}

	t.reply(chatID, fmt.Sprintf("Resumed. Replaying %d held message(s).", len(held)))
	for _, m := range held {
		res, err := t.relay.Submit(ctx, engine.Inbound{ThreadID: m.ThreadID, AuthorID: m.AuthorID, Content: m.Content})
		if err != nil {
			slog.Warn("held message replay failed", "thread_id", threadID, "error", err)
			continue
		}
		if res.Outcome == engine.SubmitQueued {
			t.trackJob(res.JobID, chatID)
		}
	}
	t.sendTyping(chatID)
}

// monitorResults delivers terminal job outcomes to their chats. Routing is
// by thread id, so results for synthetic jobs submitted through the ops API
// reach the conversation too.
func (t *TelegramChannel) monitorResults(ctx context.Context) {
	if t.bus == nil {
		slog.Warn("telegram started without an event bus; replies will not be delivered")
		return
	}
	sub := t.bus.Subscribe("job.")
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			result, ok := ev.Payload.(bus.JobResultEvent)
			if !ok {
				continue
			}
			chatID, ok := chatIDFromThread(result.ThreadID)
			if !ok {
				continue
			}

			switch ev.Topic {
			case bus.TopicJobSucceeded:
				t.untrackJob(result.JobID)
				if result.FellBack {
					slog.Warn("delivering fallback reply",
						"job_id", result.JobID, "thread_id", result.ThreadID, "session_id", result.SessionID)
				}
				reply := result.Reply
				if strings.TrimSpace(reply) == "" {
					reply = "The agent returned no output."
				}
				t.reply(chatID, reply)
			case bus.TopicJobDeadLetter:
				t.untrackJob(result.JobID)
				slog.Error("job dead-lettered, notifying thread",
					"job_id", result.JobID, "thread_id", result.ThreadID, "error", result.Error)
				t.reply(chatID, "Processing failed after multiple attempts. The failure has been recorded.")
			}
		}
	}
}

// typingLoop keeps the typing indicator alive for chats with work in
// flight. Telegram expires the indicator after about five seconds.
func (t *TelegramChannel) typingLoop(ctx context.Context) {
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, chatID := range t.pendingChats() {
				t.sendTyping(chatID)
			}
		}
	}
}

func (t *TelegramChannel) trackJob(jobID string, chatID int64) {
	t.pendingMu.Lock()
	t.pendingJobs[jobID] = chatID
	t.pendingMu.Unlock()
}

func (t *TelegramChannel) untrackJob(jobID string) {
	t.pendingMu.Lock()
	delete(t.pendingJobs, jobID)
	t.pendingMu.Unlock()
}

func (t *TelegramChannel) pendingChats() []int64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	seen := make(map[int64]struct{}, len(t.pendingJobs))
	var chats []int64
	for _, chatID := range t.pendingJobs {
		if _, dup := seen[chatID]; dup {
			continue
		}
		seen[chatID] = struct{}{}
		chats = append(chats, chatID)
	}
	return chats
}

func (t *TelegramChannel) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	for _, part := range splitMessage(text, telegramMaxMessage) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := t.bot.Send(msg); err != nil {
			slog.Error("telegram send failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

type inboundKind int

const (
	inboundEmpty inboundKind = iota
	inboundStart
	inboundPause
	inboundResume
	inboundReset
	inboundUnknownCommand
	inboundPrompt
)

// classifyInbound decides what a raw message text asks for. The resume
// keyword matches as a bare message, case-insensitively, alongside the
// /resume command; "/pause@botname" forms from group chats are handled.
func classifyInbound(text, resumeKeyword string) inboundKind {
	text = strings.TrimSpace(text)
	if text == "" {
		return inboundEmpty
	}
	if resumeKeyword != "" && strings.EqualFold(text, resumeKeyword) {
		return inboundResume
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
		if at := strings.IndexByte(cmd, '@'); at >= 0 {
			cmd = cmd[:at]
		}
		switch strings.ToLower(cmd) {
		case "start", "help":
			return inboundStart
		case "pause":
			return inboundPause
		case "resume":
			return inboundResume
		case "reset":
			return inboundReset
		default:
			return inboundUnknownCommand
		}
	}
	return inboundPrompt
}

func threadIDForChat(chatID int64) string {
	return fmt.Sprintf("tg-%d", chatID)
}

func chatIDFromThread(threadID string) (int64, bool) {
	rest, ok := strings.CutPrefix(threadID, "tg-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// splitMessage splits text into platform-sized chunks, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		part := strings.TrimRight(text[:cut], "\n")
		if part != "" {
			parts = append(parts, part)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
