package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/command"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sentMessage struct {
	botUserID int64
	chatID    int64
	text      string
}

type dispatched struct {
	typ  command.Type
	data command.Payload
}

type mockCommander struct {
	messages   []sentMessage
	dispatches []dispatched
}

func (m *mockCommander) SendMessage(ctx context.Context, botUserID, chatID int64, text string) error {
	m.messages = append(m.messages, sentMessage{botUserID, chatID, text})
	return nil
}

func (m *mockCommander) Dispatch(ctx context.Context, typ command.Type, data command.Payload) (string, error) {
	m.dispatches = append(m.dispatches, dispatched{typ, data})
	return data.RequestID, nil
}

// testClock is an injectable clock the tests advance by hand.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestNotifier(t *testing.T) (*Notifier, *session.Store, *mockCommander, *testClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.LoginSession{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	store, err := session.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cmdr := &mockCommander{}
	clock := &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	n, err := NewNotifier(NotifierOpts{
		Sessions:   store,
		Dispatcher: cmdr,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	return n, store, cmdr, clock
}

func failedResponse(requestID string, typ command.Type, errMsg string, chatID int64) command.Response {
	return command.Response{
		RequestID: requestID,
		Command:   typ,
		Error:     errMsg,
		Context: &command.Context{
			UserID: 100,
			ChatID: &chatID,
		},
	}
}

func TestNewNotifier_Validation(t *testing.T) {
	_, err := NewNotifier(NotifierOpts{})
	if err == nil || !strings.Contains(err.Error(), "session store is required") {
		t.Errorf("err = %v", err)
	}
}

func TestHandleError_SendsClassifiedMessage(t *testing.T) {
	n, _, cmdr, _ := newTestNotifier(t)

	n.HandleError(context.Background(),
		failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_INVALID", 9000))

	if len(cmdr.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(cmdr.messages))
	}
	if cmdr.messages[0].text != msgInvalidCode {
		t.Errorf("text = %q, want %q", cmdr.messages[0].text, msgInvalidCode)
	}
	if cmdr.messages[0].chatID != 9000 {
		t.Errorf("chatID = %d, want 9000", cmdr.messages[0].chatID)
	}
}

func TestHandleError_NoDestinationIsSilent(t *testing.T) {
	n, _, cmdr, _ := newTestNotifier(t)

	n.HandleError(context.Background(), command.Response{
		RequestID: "r1",
		Command:   command.TypeSubmitCode,
		Error:     "PHONE_CODE_INVALID",
	})
	if len(cmdr.messages) != 0 {
		t.Error("message sent without a chat destination")
	}
}

func TestHandleError_DedupWindow(t *testing.T) {
	n, _, cmdr, clock := newTestNotifier(t)
	resp := failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_INVALID", 9000)

	n.HandleError(context.Background(), resp)
	clock.Advance(ChatRateWindow + time.Second) // past the rate limit, inside dedup
	n.HandleError(context.Background(), resp)
	if len(cmdr.messages) != 1 {
		t.Fatalf("sent %d messages, want 1 (identical error deduplicated)", len(cmdr.messages))
	}

	clock.Advance(DedupWindow)
	n.HandleError(context.Background(), resp)
	if len(cmdr.messages) != 2 {
		t.Errorf("sent %d messages, want 2 after the dedup window lapsed", len(cmdr.messages))
	}
}

func TestHandleError_DedupIsPerChat(t *testing.T) {
	n, _, cmdr, clock := newTestNotifier(t)
	resp := func(chatID int64) command.Response {
		return failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_INVALID", chatID)
	}

	n.HandleError(context.Background(), resp(9000))
	clock.Advance(ChatRateWindow + time.Second)
	// The same failure delivered to a second chat must not erase the
	// first chat's dedup record.
	n.HandleError(context.Background(), resp(9001))
	if len(cmdr.messages) != 2 {
		t.Fatalf("sent %d messages, want 2 (one per chat)", len(cmdr.messages))
	}

	clock.Advance(ChatRateWindow + time.Second)
	n.HandleError(context.Background(), resp(9000))
	if len(cmdr.messages) != 2 {
		t.Errorf("sent %d messages, want 2 (chat 9000 still inside its dedup window)", len(cmdr.messages))
	}
}

func TestHandleError_PerChatRateLimit(t *testing.T) {
	n, _, cmdr, clock := newTestNotifier(t)

	n.HandleError(context.Background(),
		failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_INVALID", 9000))
	// A different error to the same chat, immediately after.
	n.HandleError(context.Background(),
		failedResponse("r2", command.TypeSubmitPassword, "PASSWORD_HASH_INVALID", 9000))
	if len(cmdr.messages) != 1 {
		t.Fatalf("sent %d messages, want 1 (chat rate-limited)", len(cmdr.messages))
	}

	// A different chat is not limited.
	n.HandleError(context.Background(),
		failedResponse("r3", command.TypeSubmitCode, "PHONE_CODE_INVALID", 9001))
	if len(cmdr.messages) != 2 {
		t.Fatalf("sent %d messages, want 2 (other chats unaffected)", len(cmdr.messages))
	}

	clock.Advance(ChatRateWindow)
	n.HandleError(context.Background(),
		failedResponse("r2", command.TypeSubmitPassword, "PASSWORD_HASH_INVALID", 9000))
	if len(cmdr.messages) != 3 {
		t.Errorf("sent %d messages, want 3 after the rate window lapsed", len(cmdr.messages))
	}
}

func TestHandleError_ExpiredCodeRestartsLogin(t *testing.T) {
	n, store, cmdr, _ := newTestNotifier(t)
	chatID := int64(9000)
	sess := &models.LoginSession{
		RequestID: "r1", BotUserID: 100, PhoneNumber: "+15550100",
		ChatID: &chatID, Source: models.SourceChat, State: models.StateWaitingCode,
	}
	if err := store.Create(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	n.HandleError(context.Background(),
		failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_EXPIRED", 9000))

	if len(cmdr.dispatches) != 1 {
		t.Fatalf("dispatched %d commands, want 1 re-issued login", len(cmdr.dispatches))
	}
	d := cmdr.dispatches[0]
	if d.typ != command.TypeLogin || d.data.RequestID != "r1" || d.data.PhoneNumber != "+15550100" {
		t.Errorf("re-dispatch = %+v", d)
	}
	if !d.data.Context.MetaBool(command.MetaRetry) {
		t.Error("re-dispatch missing retry flag")
	}
	if len(cmdr.messages) != 1 || cmdr.messages[0].text != msgNewCode {
		t.Errorf("messages = %+v, want the new-code notice", cmdr.messages)
	}
}

func TestHandleError_ExpiredCodeWithoutSessionFallsBack(t *testing.T) {
	n, _, cmdr, _ := newTestNotifier(t)

	n.HandleError(context.Background(),
		failedResponse("gone", command.TypeSubmitCode, "PHONE_CODE_EXPIRED", 9000))

	if len(cmdr.dispatches) != 0 {
		t.Error("cannot restart a login without a stored session")
	}
	if len(cmdr.messages) != 1 || cmdr.messages[0].text != msgRestartLogin {
		t.Errorf("messages = %+v, want the restart notice", cmdr.messages)
	}
}

func TestHandleError_FloodWait(t *testing.T) {
	n, _, cmdr, _ := newTestNotifier(t)

	n.HandleError(context.Background(),
		failedResponse("r1", command.TypeLogin, "FLOOD_WAIT_120", 9000))

	if len(cmdr.messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(cmdr.messages))
	}
	if !strings.Contains(cmdr.messages[0].text, "2m0s") {
		t.Errorf("text = %q, want the parsed retry-after", cmdr.messages[0].text)
	}
}

func TestSweep_DropsStaleEntries(t *testing.T) {
	n, _, _, clock := newTestNotifier(t)

	n.HandleError(context.Background(),
		failedResponse("r1", command.TypeSubmitCode, "PHONE_CODE_INVALID", 9000))
	if n.PendingEntries() != 1 {
		t.Fatalf("PendingEntries = %d, want 1", n.PendingEntries())
	}

	clock.Advance(DedupWindow / 2)
	n.Sweep()
	if n.PendingEntries() != 1 {
		t.Error("sweep dropped a live entry")
	}

	clock.Advance(DedupWindow)
	n.Sweep()
	if n.PendingEntries() != 0 {
		t.Errorf("PendingEntries = %d after sweep, want 0", n.PendingEntries())
	}
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		msg     string
		expired bool
		invalid bool
		badPass bool
		limited bool
	}{
		{"PHONE_CODE_EXPIRED", true, false, false, false},
		{"telegram: PHONE_CODE_EXPIRED (400)", true, false, false, false},
		{"PHONE_CODE_INVALID", false, true, false, false},
		{"PASSWORD_HASH_INVALID", false, false, true, false},
		{"FLOOD_WAIT_30", false, false, false, true},
		{"TOO_MANY_REQUESTS", false, false, false, true},
		{"connection reset by peer", false, false, false, false},
	}
	for _, tt := range tests {
		if got := IsExpiredCode(tt.msg); got != tt.expired {
			t.Errorf("IsExpiredCode(%q) = %v", tt.msg, got)
		}
		if got := IsInvalidCode(tt.msg); got != tt.invalid {
			t.Errorf("IsInvalidCode(%q) = %v", tt.msg, got)
		}
		if got := IsInvalidPassword(tt.msg); got != tt.badPass {
			t.Errorf("IsInvalidPassword(%q) = %v", tt.msg, got)
		}
		if got := IsRateLimited(tt.msg); got != tt.limited {
			t.Errorf("IsRateLimited(%q) = %v", tt.msg, got)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"FLOOD_WAIT_30", 30 * time.Second, true},
		{"rpc error: FLOOD_WAIT_3600 on login", time.Hour, true},
		{"TOO_MANY_REQUESTS", 0, false},
		{"no flood here", 0, false},
	}
	for _, tt := range tests {
		got, ok := RetryAfter(tt.msg)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RetryAfter(%q) = (%s, %v), want (%s, %v)", tt.msg, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStartStop(t *testing.T) {
	n, _, _, _ := newTestNotifier(t)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	n.Stop()
	n.Stop() // idempotent
}
