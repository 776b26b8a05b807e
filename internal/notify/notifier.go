// Package notify turns failed commands into user-facing chat messages,
// with deduplication, per-chat rate limiting, and self-healing for
// expired login codes.
package notify

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/command"
	"github.com/zulandar/switchboard/internal/session"
)

// Windows governing notification suppression.
const (
	DedupWindow    = 10 * time.Minute // identical error to the same chat
	ChatRateWindow = 30 * time.Second // any error to the same chat
	sweepSchedule  = "@every 1m"
)

// Static user-facing messages.
const (
	msgNewCode        = "Your login code expired, so a new one is being generated. Check your Telegram messages."
	msgRestartLogin   = "Your login code expired. Please restart the login."
	msgInvalidCode    = "That code is not valid. Please restart the login and try again."
	msgWrongPassword  = "Wrong two-factor password. Please try again."
	msgTooManyFmt     = "Too many attempts. Try again in %s."
	msgTooManyNoRetry = "Too many attempts. Try again later."
)

// Commander is the slice of the dispatcher the notifier needs: message
// delivery through the worker and login re-dispatch for the expired-code
// recovery. Satisfied by *command.Dispatcher.
type Commander interface {
	SendMessage(ctx context.Context, botUserID, chatID int64, text string) error
	Dispatch(ctx context.Context, typ command.Type, data command.Payload) (string, error)
}

// Notifier deduplicates and rate-limits error notifications derived from
// failed commands. State is held in process memory; a periodic sweep
// discards entries past the dedup retention window.
type Notifier struct {
	sessions   *session.Store
	dispatcher Commander
	now        func() time.Time

	mu         sync.Mutex
	sent       map[string]time.Time // requestID:commandType:errorMessage:chatID
	lastByChat map[int64]time.Time

	cron *cron.Cron
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Sessions   *session.Store
	Dispatcher Commander
	Now        func() time.Time // defaults to time.Now; injectable for tests
}

// NewNotifier creates a Notifier.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("notify: session store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("notify: dispatcher is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		now:        now,
		sent:       make(map[string]time.Time),
		lastByChat: make(map[int64]time.Time),
	}, nil
}

// Start schedules the periodic dedup sweep.
func (n *Notifier) Start() error {
	if n.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, n.Sweep); err != nil {
		return fmt.Errorf("notify: schedule sweep: %w", err)
	}
	c.Start()
	n.cron = c
	return nil
}

// Stop halts the sweep scheduler.
func (n *Notifier) Stop() {
	if n.cron != nil {
		n.cron.Stop()
		n.cron = nil
	}
}

// HandleError processes a failed command response. Fully absorbing: every
// outcome ends here, nothing propagates to the consumer loop.
func (n *Notifier) HandleError(ctx context.Context, resp command.Response) {
	chatID, botUserID := destination(resp)
	if chatID == 0 {
		log.Printf("notify: %s failed without a chat destination [req=%s]: %s",
			resp.Command, resp.RequestID, resp.Error)
		return
	}

	// The chat is part of the key: the same failure fanned out to two
	// chats must be deduplicated per chat, not overwrite one record.
	key := fmt.Sprintf("%s:%s:%s:%d", resp.RequestID, resp.Command, resp.Error, chatID)
	if !n.admit(key, chatID) {
		return
	}

	text := n.classify(ctx, resp, botUserID, chatID)
	if text == "" {
		return
	}
	if err := n.dispatcher.SendMessage(ctx, botUserID, chatID, text); err != nil {
		log.Printf("notify: send to chat %d: %v", chatID, err)
	}
}

// admit applies the dedup window and per-chat rate limit, recording the
// entry when the notification is allowed through.
func (n *Notifier) admit(key string, chatID int64) bool {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()

	if at, ok := n.sent[key]; ok && now.Sub(at) < DedupWindow {
		return false
	}
	if last, ok := n.lastByChat[chatID]; ok && now.Sub(last) < ChatRateWindow {
		return false
	}
	n.sent[key] = now
	n.lastByChat[chatID] = now
	return true
}

// classify maps a failed command to the message sent to the user,
// handling the self-healing expired-code branch. Returns "" when the
// recovery path already produced its own message flow.
func (n *Notifier) classify(ctx context.Context, resp command.Response, botUserID, chatID int64) string {
	switch {
	case IsExpiredCode(resp.Error) && resp.Command == command.TypeSubmitCode:
		if n.restartLogin(ctx, resp, botUserID, chatID) {
			return msgNewCode
		}
		return msgRestartLogin

	case IsInvalidCode(resp.Error):
		return msgInvalidCode

	case IsInvalidPassword(resp.Error):
		return msgWrongPassword

	case IsRateLimited(resp.Error):
		if wait, ok := RetryAfter(resp.Error); ok {
			return fmt.Sprintf(msgTooManyFmt, wait)
		}
		return msgTooManyNoRetry

	default:
		return fmt.Sprintf("Command %s failed: %s", resp.Command, resp.Error)
	}
}

// restartLogin re-issues the login command with the stored phone number
// and the original request ID. Returns false when the session or phone is
// gone or the dispatch fails; the caller falls back to a static message.
func (n *Notifier) restartLogin(ctx context.Context, resp command.Response, botUserID, chatID int64) bool {
	sess, err := n.sessions.Get(resp.RequestID)
	if err != nil {
		log.Printf("notify: restart login [req=%s]: %v", resp.RequestID, err)
		return false
	}
	if sess.PhoneNumber == "" {
		log.Printf("notify: restart login [req=%s]: no stored phone", resp.RequestID)
		return false
	}
	cmdCtx := &command.Context{
		UserID:   botUserID,
		Metadata: map[string]interface{}{command.MetaRetry: true},
	}
	if chatID != 0 {
		cmdCtx.ChatID = &chatID
	}
	_, err = n.dispatcher.Dispatch(ctx, command.TypeLogin, command.Payload{
		RequestID:   resp.RequestID,
		BotUserID:   botUserID,
		PhoneNumber: sess.PhoneNumber,
		Context:     cmdCtx,
	})
	if err != nil {
		log.Printf("notify: restart login [req=%s]: %v", resp.RequestID, err)
		return false
	}
	return true
}

// Sweep discards dedup entries older than the retention window.
func (n *Notifier) Sweep() {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, at := range n.sent {
		if now.Sub(at) >= DedupWindow {
			delete(n.sent, key)
		}
	}
	for chatID, last := range n.lastByChat {
		if now.Sub(last) >= DedupWindow {
			delete(n.lastByChat, chatID)
		}
	}
}

// PendingEntries returns the number of live dedup entries.
func (n *Notifier) PendingEntries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// destination extracts the chat and bot account a failure should be
// reported against, from the echoed context.
func destination(resp command.Response) (chatID, botUserID int64) {
	if resp.Context == nil {
		return 0, 0
	}
	if resp.Context.ChatID != nil {
		chatID = *resp.Context.ChatID
	}
	return chatID, resp.Context.UserID
}

// Upstream error signatures, matching the provider's error strings.
var floodWaitRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// IsExpiredCode reports whether the error is an expired one-time code.
func IsExpiredCode(msg string) bool {
	return strings.Contains(msg, "PHONE_CODE_EXPIRED")
}

// IsInvalidCode reports whether the error is a rejected one-time code.
func IsInvalidCode(msg string) bool {
	return strings.Contains(msg, "PHONE_CODE_INVALID")
}

// IsInvalidPassword reports whether the error is a rejected 2FA password.
func IsInvalidPassword(msg string) bool {
	return strings.Contains(msg, "PASSWORD_HASH_INVALID")
}

// IsRateLimited reports whether the error is upstream throttling.
func IsRateLimited(msg string) bool {
	return floodWaitRe.MatchString(msg) || strings.Contains(msg, "TOO_MANY_REQUESTS")
}

// RetryAfter parses the retry-after duration from a flood error.
func RetryAfter(msg string) (time.Duration, bool) {
	m := floodWaitRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

