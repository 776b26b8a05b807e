package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/queue"
)

// Sentinel errors for synchronous dispatch.
var (
	ErrWorkerUnreachable = errors.New("command: worker unreachable")
	ErrCommandFailed     = errors.New("command: command failed")
)

// defaultCallTimeout bounds a synchronous worker RPC.
const defaultCallTimeout = 15 * time.Second

// EndpointResolver resolves the network endpoint of the worker serving a
// bot account. Implemented by the worker registry.
type EndpointResolver interface {
	Endpoint(botUserID int64) (string, error)
}

// Dispatcher sends commands to workers. Synchronous commands go over a
// direct HTTP call to the worker's endpoint and return the result;
// asynchronous commands are published to the worker's command-queue
// partition and return immediately with the request ID; the outcome
// arrives later on the results queue.
type Dispatcher struct {
	resolver EndpointResolver
	commands queue.KeyedQueue
	client   *http.Client
	out      io.Writer
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Resolver EndpointResolver
	Commands queue.KeyedQueue // command queue (partitioned per bot account)
	Client   *http.Client     // defaults to a client with a 15s timeout
	Out      io.Writer        // defaults to os.Stdout
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("command: dispatcher: resolver is required")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("command: dispatcher: command queue is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Dispatcher{
		resolver: opts.Resolver,
		commands: opts.Commands,
		client:   client,
		out:      out,
	}, nil
}

// Call performs a synchronous command against the worker for botUserID.
// Transport failures return ErrWorkerUnreachable; a worker-reported error
// returns ErrCommandFailed with the worker's message.
func (d *Dispatcher) Call(ctx context.Context, botUserID int64, typ Type, payload interface{}) (json.RawMessage, error) {
	if typ.Async() {
		return nil, fmt.Errorf("command: %s is asynchronous, use Dispatch", typ)
	}
	endpoint, err := d.resolver.Endpoint(botUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %d: %v", ErrWorkerUnreachable, botUserID, err)
	}

	body, err := json.Marshal(RPCRequest{Type: typ, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("command: marshal %s: %w", typ, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("command: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %v", ErrWorkerUnreachable, typ, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrWorkerUnreachable, endpoint, resp.StatusCode)
	}

	var rpc RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("command: decode %s response: %w", typ, err)
	}
	if !rpc.Success {
		return nil, fmt.Errorf("%w: %s: %s", ErrCommandFailed, typ, rpc.Error)
	}
	return rpc.Result, nil
}

// Dispatch publishes an asynchronous command to the worker's partition of
// the command queue and returns the request ID without waiting for
// completion. A request ID is generated when the payload does not carry
// one. The payload's Context.Command is forced to the dispatched type so
// the correlator can route the eventual response.
func (d *Dispatcher) Dispatch(ctx context.Context, typ Type, data Payload) (string, error) {
	if !typ.Async() {
		return "", fmt.Errorf("command: %s is synchronous, use Call", typ)
	}
	if data.BotUserID == 0 {
		return "", fmt.Errorf("command: dispatch %s: botUserID is required", typ)
	}
	if data.RequestID == "" {
		data.RequestID = uuid.NewString()
	}
	if data.Context == nil {
		data.Context = &Context{UserID: data.BotUserID}
	}
	data.Context.Command = typ

	payload, err := json.Marshal(Envelope{Pattern: typ, Data: data})
	if err != nil {
		return "", fmt.Errorf("command: marshal %s: %w", typ, err)
	}
	msg := queue.Message{
		Payload: payload,
		Key:     strconv.FormatInt(data.BotUserID, 10),
	}
	if err := d.commands.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("command: dispatch %s: %w", typ, err)
	}
	fmt.Fprintf(d.out, "command: dispatched %s [req=%s bot=%d]\n", typ, data.RequestID, data.BotUserID)
	return data.RequestID, nil
}

// SendMessage delivers text to a chat through the worker's account. Used
// for both lifecycle prompts and error notifications.
func (d *Dispatcher) SendMessage(ctx context.Context, botUserID, chatID int64, text string) error {
	_, err := d.Call(ctx, botUserID, TypeSendMessage, Payload{
		BotUserID: botUserID,
		ChatID:    chatID,
		Text:      text,
	})
	return err
}

// GetMe fetches the worker's own account identity.
func (d *Dispatcher) GetMe(ctx context.Context, botUserID int64) (json.RawMessage, error) {
	return d.Call(ctx, botUserID, TypeGetMe, Payload{BotUserID: botUserID})
}

// GetChatInfo fetches information about a chat.
func (d *Dispatcher) GetChatInfo(ctx context.Context, botUserID, chatID int64) (json.RawMessage, error) {
	return d.Call(ctx, botUserID, TypeGetChatInfo, Payload{BotUserID: botUserID, ChatID: chatID})
}

// Logout terminates the worker's authenticated session.
func (d *Dispatcher) Logout(ctx context.Context, botUserID int64) error {
	_, err := d.Call(ctx, botUserID, TypeLogout, Payload{BotUserID: botUserID})
	return err
}
