package models

import "time"

// SessionState is the position of a login session in the authorization flow.
type SessionState string

// Login session states. A session moves strictly forward through the
// waiting states; failed is reachable from any non-terminal state.
const (
	StateWaitingPhone    SessionState = "waiting_phone"
	StateWaitingCode     SessionState = "waiting_code"
	StateWaitingPassword SessionState = "waiting_password"
	StateCompleted       SessionState = "completed"
	StateFailed          SessionState = "failed"
)

// Terminal reports whether the state ends the session's active life.
// Terminal sessions are kept for audit, not deleted.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether a session may move from s to next.
// A forced transition to failed is always legal from a non-terminal state;
// re-asserting the current state is allowed (refreshes the TTL only).
func (s SessionState) CanTransition(next SessionState) bool {
	if s == next {
		return !s.Terminal()
	}
	if next == StateFailed {
		return !s.Terminal()
	}
	switch s {
	case StateWaitingPhone:
		return next == StateWaitingCode
	case StateWaitingCode:
		// The password step is optional; accounts without 2FA complete
		// directly from waiting_code.
		return next == StateWaitingPassword || next == StateCompleted
	case StateWaitingPassword:
		return next == StateCompleted
	default:
		return false
	}
}

// SessionSource identifies the channel that initiated a login session.
type SessionSource string

const (
	SourceChat SessionSource = "chat"
	SourceWeb  SessionSource = "web"
)

// LoginSession tracks a single login/authorization attempt against a
// controlled Telegram account. RequestID is the correlation key echoed by
// the worker in every asynchronous response. A completed session doubles
// as the durable "is logged in" marker for the bot account, which is why
// completed rows carry a much longer TTL than the waiting states.
type LoginSession struct {
	RequestID      string        `gorm:"primaryKey;size:64"`
	BotUserID      int64         `gorm:"not null;index"`
	TelegramUserID *int64        `gorm:"index"`
	PhoneNumber    string        `gorm:"size:32"`
	ChatID         *int64        ``
	Source         SessionSource `gorm:"size:8;not null"`
	State          SessionState  `gorm:"size:24;not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// TableName implements the GORM tabler interface.
func (LoginSession) TableName() string { return "login_sessions" }
