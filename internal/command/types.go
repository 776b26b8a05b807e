// Package command defines the wire protocol between the controller and
// the remote workers, and the dispatcher that sends commands over it.
package command

import "encoding/json"

// Type identifies a command or worker-originated event pattern.
type Type string

// Commands the controller sends to workers.
const (
	// Asynchronous: the worker answers later on the results queue.
	TypeLogin          Type = "login"
	TypeSubmitCode     Type = "submit-code"
	TypeSubmitPassword Type = "submit-password"

	// Synchronous: answered in the RPC response.
	TypeGetMe       Type = "get-me"
	TypeGetChatInfo Type = "get-chat-info"
	TypeSendMessage Type = "send-message"
	TypeLogout      Type = "logout"

	// Batched sub-commands (asynchronous, aggregated by batch ID).
	TypeValidateGroup Type = "validate-group"
	TypeGroupTitle    Type = "group-title"
)

// Worker-originated lifecycle and informational patterns.
const (
	TypeAuthCodeRequest Type = "auth-code-request"
	TypePasswordRequest Type = "password-request"
	TypeLoginSuccess    Type = "login-success"
	TypeLoginFailure    Type = "login-failure"
	TypeStateChanged    Type = "state-changed"
	TypeSessionDeleted  Type = "session-deleted"
	TypeAck             Type = "ack"
)

// Async reports whether a command is dispatched fire-and-forget over the
// command queue rather than as a synchronous worker RPC.
func (t Type) Async() bool {
	switch t {
	case TypeLogin, TypeSubmitCode, TypeSubmitPassword, TypeValidateGroup, TypeGroupTitle:
		return true
	}
	return false
}

// Metadata keys used in Context.Metadata.
const (
	MetaBatchID    = "batch_id"
	MetaBatchTotal = "batch_total"
	MetaGroupID    = "group_id"
	MetaRetry      = "retry"
	MetaReason     = "reason"
	MetaValid      = "valid_groups"
	MetaNotFound   = "not_found_groups"
	MetaInvalid    = "invalid_groups"
	MetaTitles     = "titles"
)

// Context travels with every asynchronous command and is echoed verbatim
// by the worker in its response. The correlator routes on Command and
// reads batch bookkeeping from Metadata.
type Context struct {
	UserID   int64                  `json:"user_id"`
	Command  Type                   `json:"command_type"`
	ChatID   *int64                 `json:"chat_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Meta returns a metadata value, or nil when absent.
func (c *Context) Meta(key string) interface{} {
	if c == nil || c.Metadata == nil {
		return nil
	}
	return c.Metadata[key]
}

// MetaString returns a metadata value as a string.
func (c *Context) MetaString(key string) string {
	s, _ := c.Meta(key).(string)
	return s
}

// MetaBool returns a metadata value as a bool.
func (c *Context) MetaBool(key string) bool {
	b, _ := c.Meta(key).(bool)
	return b
}

// Payload is the data half of a queue envelope. Only the fields relevant
// to the command type are set.
type Payload struct {
	RequestID   string   `json:"request_id,omitempty"`
	BotUserID   int64    `json:"bot_user_id"`
	PhoneNumber string   `json:"phone_number,omitempty"`
	Code        string   `json:"code,omitempty"`
	Password    string   `json:"password,omitempty"`
	ChatID      int64    `json:"chat_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	GroupID     int64    `json:"group_id,omitempty"`
	Context     *Context `json:"context,omitempty"`
}

// Envelope is the queue message format: a pattern naming the operation
// and its data.
type Envelope struct {
	Pattern Type    `json:"pattern"`
	Data    Payload `json:"data"`
}

// Response is a worker's asynchronous answer, consumed from the results
// queue. Exactly one of Result and Error is meaningful. Context is the
// controller's CommandContext echoed back unchanged.
type Response struct {
	RequestID string          `json:"request_id,omitempty"`
	Command   Type            `json:"command_type"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Context   *Context        `json:"context,omitempty"`
}

// RPCRequest is the body of a synchronous worker call.
type RPCRequest struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
}

// RPCResponse is the body of a synchronous worker reply.
type RPCResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}
