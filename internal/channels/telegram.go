package channels

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/helmsman/internal/bus"
	"github.com/basket/helmsman/internal/mailbox"
)

// TelegramChannel bridges Telegram chats and the durable mailbox. Inbound
// messages from allowed operators are enqueued for the controller; they are
// never handled inline, so a transport wobble can't lose a command. Outbound
// replies are drained from the mailbox on a ticker, and bus events (task
// progress, watchdog alerts) are pushed as they happen.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	mail       *mailbox.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	// lastChatID remembers where the operator last spoke from so drained
	// replies have a destination before the first bus event. Written by the
	// long-poll goroutine, read by the drain and event goroutines.
	lastChatID atomic.Int64
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, mail *mailbox.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		mail:       mail,
		eventBus:   eventBus,
		logger:     logger,
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

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.drainOutbound(ctx)
	go t.watchEvents(ctx)

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
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
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

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
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

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage enqueues the operator's text for the controller. The mailbox
// write is the delivery; once it lands, a controller crash cannot lose the
// command.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	t.lastChatID.Store(msg.Chat.ID)

	if _, err := t.mail.Enqueue(mailbox.Inbound, content); err != nil {
		t.logger.Error("failed to enqueue operator message", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not queue your message: %v", err))
	}
}

// drainOutbound ships controller replies to the operator on a short ticker.
func (t *TelegramChannel) drainOutbound(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chatID := t.targetChat()
			if chatID == 0 {
				continue
			}
			for _, msg := range t.mail.DrainUnread(mailbox.Outbound) {
				t.reply(chatID, msg.Payload)
			}
		}
	}
}

// watchEvents pushes dispatch notifications as they happen, so the operator
// hears about progress without waiting for the reply drain. Watchdog notices
// arrive through the mailbox instead: the watchdog is a separate process and
// never shares this bus.
func (t *TelegramChannel) watchEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	taskSub := t.eventBus.Subscribe("dispatch.")
	defer t.eventBus.Unsubscribe(taskSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-taskSub.Ch():
			if text := formatDispatchEvent(ev); text != "" {
				t.broadcast(text)
			}
		}
	}
}

func formatDispatchEvent(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicTaskDone:
		if p, ok := ev.Payload.(bus.TaskEvent); ok {
			return fmt.Sprintf("✅ task %d done: %s", p.TaskID, p.Description)
		}
	case bus.TopicTaskErrored:
		if p, ok := ev.Payload.(bus.TaskEvent); ok {
			return fmt.Sprintf("❌ task %d errored: %s\n%s", p.TaskID, p.Description, p.Detail)
		}
	case bus.TopicDispatchStuck:
		if p, ok := ev.Payload.(bus.DispatchEvent); ok {
			return fmt.Sprintf("🛑 dispatch deadlocked with %d task(s) stuck pending. /status for details.", p.Pending)
		}
	}
	return ""
}

// targetChat picks where unsolicited output goes: the chat the operator last
// used, falling back to the sole allowlisted id when there is exactly one.
func (t *TelegramChannel) targetChat() int64 {
	if id := t.lastChatID.Load(); id != 0 {
		return id
	}
	if len(t.allowedIDs) == 1 {
		for id := range t.allowedIDs {
			return id
		}
	}
	return 0
}

func (t *TelegramChannel) broadcast(text string) {
	if chatID := t.targetChat(); chatID != 0 {
		t.reply(chatID, text)
		return
	}
	for chatID := range t.allowedIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
