// Package correlator consumes asynchronous worker responses, matches
// them to the requests that caused them, drives session state
// transitions, and aggregates batched sub-responses.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zulandar/switchboard/internal/command"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/session"
)

// Prompts sent to chat-originated sessions as the login flow advances.
const (
	promptCode      = "Telegram sent you a login code. Reply here with that code."
	promptPassword  = "This account has two-factor auth enabled. Reply with your password."
	confirmLoginFmt = "Logged in as %s. You're all set."
)

// ErrorHandler absorbs failed commands. Satisfied by *notify.Notifier.
type ErrorHandler interface {
	HandleError(ctx context.Context, resp command.Response)
}

// Commander is the slice of the dispatcher the correlator needs.
// Satisfied by *command.Dispatcher.
type Commander interface {
	SendMessage(ctx context.Context, botUserID, chatID int64, text string) error
	Dispatch(ctx context.Context, typ command.Type, data command.Payload) (string, error)
}

// Correlator routes worker responses by command type. It owns no durable
// state: sessions live in the store, batch bookkeeping in the injected
// BatchTracker.
type Correlator struct {
	sessions   *session.Store
	dispatcher Commander
	errors     ErrorHandler
	batches    *BatchTracker
	out        io.Writer
}

// CorrelatorOpts holds parameters for creating a Correlator.
type CorrelatorOpts struct {
	Sessions   *session.Store
	Dispatcher Commander
	Errors     ErrorHandler
	Batches    *BatchTracker // defaults to a fresh tracker
	Out        io.Writer     // defaults to os.Stdout
}

// New creates a Correlator.
func New(opts CorrelatorOpts) (*Correlator, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("correlator: session store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("correlator: dispatcher is required")
	}
	if opts.Errors == nil {
		return nil, fmt.Errorf("correlator: error handler is required")
	}
	batches := opts.Batches
	if batches == nil {
		batches = NewBatchTracker()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Correlator{
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		errors:     opts.Errors,
		batches:    batches,
		out:        out,
	}, nil
}

// Batches exposes the tracker so dispatch sites can Begin batches.
func (c *Correlator) Batches() *BatchTracker { return c.batches }

// Handle processes one worker response. A returned error means the
// response could not be applied and the delivery should be retried;
// worker-reported failures and unknown patterns are absorbed, not
// returned.
func (c *Correlator) Handle(ctx context.Context, resp command.Response) error {
	if resp.Error != "" {
		c.errors.HandleError(ctx, resp)
		return nil
	}

	switch resp.Command {
	case command.TypeAuthCodeRequest:
		return c.handleAuthCodeRequest(ctx, resp)
	case command.TypePasswordRequest:
		return c.handlePasswordRequest(ctx, resp)
	case command.TypeLoginSuccess:
		return c.handleLoginSuccess(ctx, resp)
	case command.TypeLoginFailure:
		return c.handleLoginFailure(ctx, resp)
	case command.TypeValidateGroup:
		return c.handleGroupValidation(ctx, resp)
	case command.TypeGroupTitle:
		return c.handleGroupTitle(ctx, resp)
	case command.TypeStateChanged:
		return c.handleStateChanged(resp)
	case command.TypeSessionDeleted:
		return c.handleSessionDeleted(resp)
	case command.TypeAck:
		fmt.Fprintf(c.out, "correlator: ack [req=%s]\n", resp.RequestID)
		return nil
	default:
		log.Printf("correlator: unknown command type %q [req=%s], ignoring", resp.Command, resp.RequestID)
		return nil
	}
}

// handleAuthCodeRequest moves the session to waiting_code and prompts the
// user. Idempotent: a duplicate event for a session already waiting on a
// code is suppressed unless the worker marked it as a retry (a fresh code
// was generated, so the user must be told again).
func (c *Correlator) handleAuthCodeRequest(ctx context.Context, resp command.Response) error {
	sess, err := c.sessions.Get(resp.RequestID)
	if errors.Is(err, session.ErrNotFound) {
		log.Printf("correlator: auth-code-request for unknown session [req=%s]", resp.RequestID)
		return nil
	}
	if err != nil {
		return err
	}

	retry := resp.Context.MetaBool(command.MetaRetry)
	if sess.State == models.StateWaitingCode && !retry {
		fmt.Fprintf(c.out, "correlator: duplicate auth-code-request suppressed [req=%s]\n", resp.RequestID)
		return nil
	}
	if sess.State != models.StateWaitingCode {
		if err := c.sessions.UpdateState(resp.RequestID, models.StateWaitingCode); err != nil {
			return err
		}
	}
	c.promptChat(ctx, sess, promptCode)
	return nil
}

// handlePasswordRequest moves the session to waiting_password and prompts
// for the 2FA password.
func (c *Correlator) handlePasswordRequest(ctx context.Context, resp command.Response) error {
	sess, err := c.sessions.Get(resp.RequestID)
	if errors.Is(err, session.ErrNotFound) {
		log.Printf("correlator: password-request for unknown session [req=%s]", resp.RequestID)
		return nil
	}
	if err != nil {
		return err
	}
	if sess.State != models.StateWaitingPassword {
		if err := c.sessions.UpdateState(resp.RequestID, models.StateWaitingPassword); err != nil {
			return err
		}
	}
	c.promptChat(ctx, sess, promptPassword)
	return nil
}

// loginResult is the worker's payload on login-success.
type loginResult struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// handleLoginSuccess resolves the session and marks it completed. The
// worker may report a different final account identity than the one the
// flow started with (e.g. the phone belonged to another account), so
// resolution falls back from the request ID through the active and
// completed sessions for the reported identity.
func (c *Correlator) handleLoginSuccess(ctx context.Context, resp command.Response) error {
	var result loginResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			log.Printf("correlator: login-success result unreadable [req=%s]: %v", resp.RequestID, err)
		}
	}

	sess := c.resolveSession(resp, result.UserID)
	if sess == nil {
		log.Printf("correlator: login-success with no matching session [req=%s user=%d]",
			resp.RequestID, result.UserID)
		return nil
	}

	if err := c.sessions.Complete(sess.RequestID, result.UserID); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
			log.Printf("correlator: complete %s: %v", sess.RequestID, err)
			return nil
		}
		return err
	}
	fmt.Fprintf(c.out, "correlator: login completed [req=%s bot=%d]\n", sess.RequestID, result.UserID)

	name := result.Username
	if name == "" {
		name = result.FirstName
	}
	if name == "" {
		name = fmt.Sprintf("user %d", result.UserID)
	}
	c.promptChat(ctx, sess, fmt.Sprintf(confirmLoginFmt, name))
	return nil
}

// resolveSession finds the session a login-success belongs to: by request
// ID first, then the active session for the reported identity, then the
// completed one (a re-login for an already-known account).
func (c *Correlator) resolveSession(resp command.Response, reportedID int64) *models.LoginSession {
	if resp.RequestID != "" {
		if sess, err := c.sessions.Get(resp.RequestID); err == nil {
			return sess
		}
	}
	lookupID := reportedID
	if lookupID == 0 && resp.Context != nil {
		lookupID = resp.Context.UserID
	}
	if lookupID == 0 {
		return nil
	}
	if sess, err := c.sessions.GetActive(lookupID); err == nil {
		return sess
	}
	if sess, err := c.sessions.GetCompleted(lookupID); err == nil {
		return sess
	}
	return nil
}

// handleLoginFailure marks the session failed, unless the failure is an
// expired one-time code while the session is still waiting for one, in
// which case the login command is re-issued with the same phone number
// and request ID and the flow heals itself.
func (c *Correlator) handleLoginFailure(ctx context.Context, resp command.Response) error {
	sess, err := c.sessions.Get(resp.RequestID)
	if errors.Is(err, session.ErrNotFound) {
		log.Printf("correlator: login-failure for unknown session [req=%s]", resp.RequestID)
		return nil
	}
	if err != nil {
		return err
	}

	reason := resp.Context.MetaString(command.MetaReason)
	if reason == "" && len(resp.Result) > 0 {
		var r struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal(resp.Result, &r) == nil {
			reason = r.Reason
		}
	}

	if notify.IsExpiredCode(reason) && sess.State == models.StateWaitingCode && sess.PhoneNumber != "" {
		fmt.Fprintf(c.out, "correlator: code expired, re-issuing login [req=%s]\n", resp.RequestID)
		cmdCtx := &command.Context{UserID: sess.BotUserID,
			Metadata: map[string]interface{}{command.MetaRetry: true}}
		cmdCtx.ChatID = sess.ChatID
		_, err := c.dispatcher.Dispatch(ctx, command.TypeLogin, command.Payload{
			RequestID:   sess.RequestID,
			BotUserID:   sess.BotUserID,
			PhoneNumber: sess.PhoneNumber,
			Context:     cmdCtx,
		})
		if err == nil {
			return nil
		}
		log.Printf("correlator: re-issue login [req=%s]: %v", resp.RequestID, err)
		// Fall through to failing the session.
	}

	if err := c.sessions.UpdateState(resp.RequestID, models.StateFailed); err != nil &&
		!errors.Is(err, session.ErrNotFound) {
		return err
	}
	fmt.Fprintf(c.out, "correlator: login failed [req=%s reason=%s]\n", resp.RequestID, reason)
	return nil
}

// groupResult is the worker's payload for a validate-group sub-response.
type groupResult struct {
	Found bool   `json:"found"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// handleGroupValidation records one sub-response of a group-validation
// batch. A group is valid only when the worker reports a group or
// supergroup type; any other type is invalid, and a worker that could not
// find the ID at all reports found=false. The sub-response completing the
// batch sends the aggregate summary.
func (c *Correlator) handleGroupValidation(ctx context.Context, resp command.Response) error {
	batchID := resp.Context.MetaString(command.MetaBatchID)
	if batchID == "" {
		log.Printf("correlator: validate-group response without batch id [req=%s]", resp.RequestID)
		return nil
	}

	var result groupResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			log.Printf("correlator: validate-group result unreadable [req=%s]: %v", resp.RequestID, err)
		}
	}
	groupID := resp.Context.Meta(command.MetaGroupID)

	final, done := c.batches.Apply(batchID, func(b *Batch) {
		switch {
		case !result.Found:
			appendMeta(b, command.MetaNotFound, groupID)
		case result.Type == "group" || result.Type == "supergroup":
			appendMeta(b, command.MetaValid, groupID)
		default:
			appendMeta(b, command.MetaInvalid, groupID)
		}
	})
	if final == nil {
		log.Printf("correlator: validate-group for unknown batch %s, ignoring", batchID)
		return nil
	}
	if !done {
		return nil
	}

	fmt.Fprintf(c.out, "correlator: batch %s complete (%d groups)\n", batchID, final.Total)
	c.notifyBatch(ctx, final, validationSummary(final))
	return nil
}

// handleGroupTitle records one sub-response of a title-lookup batch.
func (c *Correlator) handleGroupTitle(ctx context.Context, resp command.Response) error {
	batchID := resp.Context.MetaString(command.MetaBatchID)
	if batchID == "" {
		log.Printf("correlator: group-title response without batch id [req=%s]", resp.RequestID)
		return nil
	}

	var result groupResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			log.Printf("correlator: group-title result unreadable [req=%s]: %v", resp.RequestID, err)
		}
	}

	final, done := c.batches.Apply(batchID, func(b *Batch) {
		if result.Title != "" {
			appendMeta(b, command.MetaTitles, result.Title)
		}
	})
	if final == nil {
		log.Printf("correlator: group-title for unknown batch %s, ignoring", batchID)
		return nil
	}
	if !done {
		return nil
	}

	fmt.Fprintf(c.out, "correlator: title batch %s complete (%d titles)\n",
		batchID, len(metaList(final, command.MetaTitles)))
	c.notifyBatch(ctx, final, titleSummary(final))
	return nil
}

// handleStateChanged mirrors a worker-reported session state into the
// store. No user-visible output.
func (c *Correlator) handleStateChanged(resp command.Response) error {
	var r struct {
		State models.SessionState `json:"state"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			log.Printf("correlator: state-changed result unreadable [req=%s]: %v", resp.RequestID, err)
			return nil
		}
	}
	if r.State == "" {
		return nil
	}
	err := c.sessions.UpdateState(resp.RequestID, r.State)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
		log.Printf("correlator: state-changed [req=%s → %s]: %v", resp.RequestID, r.State, err)
		return nil
	}
	return err
}

// handleSessionDeleted removes the session record.
func (c *Correlator) handleSessionDeleted(resp command.Response) error {
	if resp.RequestID == "" {
		return nil
	}
	return c.sessions.Delete(resp.RequestID)
}

// promptChat sends a lifecycle prompt to the session's chat. Only
// chat-originated sessions with a destination get prompts; web sessions
// observe progress by polling. Best-effort: failures are logged.
func (c *Correlator) promptChat(ctx context.Context, sess *models.LoginSession, text string) {
	if sess.Source != models.SourceChat || sess.ChatID == nil {
		return
	}
	if err := c.dispatcher.SendMessage(ctx, sess.BotUserID, *sess.ChatID, text); err != nil {
		log.Printf("correlator: prompt chat %d: %v", *sess.ChatID, err)
	}
}

// notifyBatch sends the aggregate outcome of a batch to its chat.
func (c *Correlator) notifyBatch(ctx context.Context, b *Batch, text string) {
	if b.Context.ChatID == nil {
		return
	}
	if err := c.dispatcher.SendMessage(ctx, b.Context.UserID, *b.Context.ChatID, text); err != nil {
		log.Printf("correlator: batch notification to chat %d: %v", *b.Context.ChatID, err)
	}
}

// validationSummary formats the aggregate outcome of a group-validation
// batch.
func validationSummary(b *Batch) string {
	valid := len(metaList(b, command.MetaValid))
	notFound := len(metaList(b, command.MetaNotFound))
	invalid := len(metaList(b, command.MetaInvalid))

	s := fmt.Sprintf("Group check done: %d valid", valid)
	if notFound > 0 {
		s += fmt.Sprintf(", %d not found", notFound)
	}
	if invalid > 0 {
		s += fmt.Sprintf(", %d not usable (not a group)", invalid)
	}
	return s
}

// titleSummary formats the aggregate outcome of a title-lookup batch.
func titleSummary(b *Batch) string {
	titles := metaList(b, command.MetaTitles)
	parts := make([]string, 0, len(titles))
	for _, t := range titles {
		if s, ok := t.(string); ok {
			parts = append(parts, s)
		}
	}
	return "Your active groups: " + strings.Join(parts, ", ")
}
