// Package session persists login sessions and enforces the conversation
// state machine for multi-step account authorization.
package session

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// TTLs applied on every write. A completed session is the durable
// "is logged in" marker for the account, so it far outlives the waiting
// states.
const (
	PendingTTL   = 30 * time.Minute
	CompletedTTL = 365 * 24 * time.Hour
)

// Sentinel errors callers branch on.
var (
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// Store is the durable session store. It owns all state transitions: a
// session is created in waiting_phone and only ever mutated through
// UpdateState, Complete, or the force-fail sweep.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	return &Store{db: db}, nil
}

// Create inserts a new login session. Any existing non-terminal session
// for the same Telegram user is forced to failed first, as is any
// non-terminal session for the same bot account driven by a different
// Telegram user. Two humans cannot hold an open login flow for one
// account at the same time.
//
// The cancel and the insert run in one local transaction but take no
// cross-process lock; two near-simultaneous creates for the same identity
// can fail each other. Callers retry by starting a fresh login.
func (s *Store) Create(sess *models.LoginSession) error {
	if sess == nil {
		return fmt.Errorf("session: session is required")
	}
	if sess.RequestID == "" {
		return fmt.Errorf("session: requestID is required")
	}
	if sess.BotUserID == 0 {
		return fmt.Errorf("session: botUserID is required")
	}
	if sess.Source == "" {
		return fmt.Errorf("session: source is required")
	}
	if sess.State == "" {
		sess.State = models.StateWaitingPhone
	}

	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttlFor(sess.State))

	return s.db.Transaction(func(tx *gorm.DB) error {
		if sess.TelegramUserID != nil {
			if err := failOpen(tx, now, "telegram_user_id = ?", *sess.TelegramUserID); err != nil {
				return err
			}
		}
		// Same bot account, different (or absent) Telegram user: the older
		// flow loses.
		q := tx.Model(&models.LoginSession{}).Where("bot_user_id = ?", sess.BotUserID)
		if sess.TelegramUserID != nil {
			q = q.Where("telegram_user_id IS NULL OR telegram_user_id <> ?", *sess.TelegramUserID)
		}
		if err := failOpenQuery(q, now); err != nil {
			return err
		}
		if err := tx.Save(sess).Error; err != nil {
			return fmt.Errorf("session: create %s: %w", sess.RequestID, err)
		}
		return nil
	})
}

// failOpen force-fails all non-terminal sessions matching the condition.
func failOpen(tx *gorm.DB, now time.Time, cond string, args ...interface{}) error {
	return failOpenQuery(tx.Model(&models.LoginSession{}).Where(cond, args...), now)
}

func failOpenQuery(q *gorm.DB, now time.Time) error {
	err := q.Where("state NOT IN ?", []models.SessionState{models.StateCompleted, models.StateFailed}).
		Updates(map[string]interface{}{
			"state":      models.StateFailed,
			"updated_at": now,
			"expires_at": now.Add(PendingTTL),
		}).Error
	if err != nil {
		return fmt.Errorf("session: cancel open sessions: %w", err)
	}
	return nil
}

// Get returns the session for requestID, or ErrNotFound if it does not
// exist or has expired.
func (s *Store) Get(requestID string) (*models.LoginSession, error) {
	if requestID == "" {
		return nil, fmt.Errorf("session: requestID is required")
	}
	var sess models.LoginSession
	err := s.db.Where("request_id = ? AND expires_at > ?", requestID, time.Now()).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", requestID, err)
	}
	return &sess, nil
}

// GetActive returns the most recent non-terminal, unexpired session for a
// bot account, or ErrNotFound.
func (s *Store) GetActive(botUserID int64) (*models.LoginSession, error) {
	return s.latest("bot_user_id = ? AND state NOT IN ?",
		botUserID, []models.SessionState{models.StateCompleted, models.StateFailed})
}

// GetCompleted returns the most recent completed, unexpired session for a
// bot account, or ErrNotFound.
func (s *Store) GetCompleted(botUserID int64) (*models.LoginSession, error) {
	return s.latest("bot_user_id = ? AND state = ?", botUserID, models.StateCompleted)
}

// GetByTelegramUserID returns the most recent unexpired session driven by
// a Telegram user, or ErrNotFound.
func (s *Store) GetByTelegramUserID(telegramUserID int64) (*models.LoginSession, error) {
	return s.latest("telegram_user_id = ?", telegramUserID)
}

func (s *Store) latest(cond string, args ...interface{}) (*models.LoginSession, error) {
	var sess models.LoginSession
	err := s.db.Where(cond, args...).
		Where("expires_at > ?", time.Now()).
		Order("updated_at DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	return &sess, nil
}

// IsLoggedIn reports whether a Telegram user's most recent session is
// completed, returning the bot account it controls.
func (s *Store) IsLoggedIn(telegramUserID int64) (int64, bool, error) {
	sess, err := s.GetByTelegramUserID(telegramUserID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if sess.State != models.StateCompleted {
		return 0, false, nil
	}
	return sess.BotUserID, true, nil
}

// UpdateState moves a session to newState, refreshing its TTL. Returns
// ErrNotFound if no session exists for requestID and ErrInvalidTransition
// if the state machine forbids the move.
func (s *Store) UpdateState(requestID string, newState models.SessionState) error {
	if requestID == "" {
		return fmt.Errorf("session: requestID is required")
	}
	var sess models.LoginSession
	err := s.db.Where("request_id = ?", requestID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: update %s: %w", requestID, err)
	}
	if !sess.State.CanTransition(newState) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sess.State, newState)
	}

	now := time.Now()
	err = s.db.Model(&models.LoginSession{}).Where("request_id = ?", requestID).
		Updates(map[string]interface{}{
			"state":      newState,
			"updated_at": now,
			"expires_at": now.Add(ttlFor(newState)),
		}).Error
	if err != nil {
		return fmt.Errorf("session: update %s: %w", requestID, err)
	}
	return nil
}

// Complete marks a session completed, updating the bot account identity
// when the worker reported a different final identity than the one the
// flow started with.
func (s *Store) Complete(requestID string, botUserID int64) error {
	var sess models.LoginSession
	err := s.db.Where("request_id = ?", requestID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: complete %s: %w", requestID, err)
	}
	if !sess.State.CanTransition(models.StateCompleted) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, sess.State, models.StateCompleted)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"state":      models.StateCompleted,
		"updated_at": now,
		"expires_at": now.Add(CompletedTTL),
	}
	if botUserID != 0 && botUserID != sess.BotUserID {
		log.Printf("session: %s completed as %d (started as %d)", requestID, botUserID, sess.BotUserID)
		updates["bot_user_id"] = botUserID
	}
	if err := s.db.Model(&models.LoginSession{}).Where("request_id = ?", requestID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("session: complete %s: %w", requestID, err)
	}
	return nil
}

// Delete removes a session by requestID. Deleting an absent session is
// not an error.
func (s *Store) Delete(requestID string) error {
	if requestID == "" {
		return fmt.Errorf("session: requestID is required")
	}
	if err := s.db.Where("request_id = ?", requestID).
		Delete(&models.LoginSession{}).Error; err != nil {
		return fmt.Errorf("session: delete %s: %w", requestID, err)
	}
	return nil
}

// FailExpired force-fails non-terminal sessions past their expiry.
// Lookups already filter by expires_at; this sweep keeps the table honest
// for the status server and audit queries. Returns the number of sessions
// failed.
func (s *Store) FailExpired() (int64, error) {
	now := time.Now()
	result := s.db.Model(&models.LoginSession{}).
		Where("state NOT IN ? AND expires_at <= ?",
			[]models.SessionState{models.StateCompleted, models.StateFailed}, now).
		Updates(map[string]interface{}{
			"state":      models.StateFailed,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("session: fail expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ttlFor returns the TTL applied when a session enters state.
func ttlFor(state models.SessionState) time.Duration {
	if state == models.StateCompleted {
		return CompletedTTL
	}
	return PendingTTL
}
