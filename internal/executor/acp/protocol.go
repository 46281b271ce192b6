// Package acp drives one agent subprocess through the Agent Client
// Protocol: a newline-delimited JSON-RPC 2.0 exchange over the child's
// standard streams covering capability handshake, session creation and
// resumption, prompt streaming, permission arbitration, and cancellation.
package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Protocol version this client declares during the handshake.
const protocolVersion = 1

const (
	methodInitialize        = "initialize"
	methodSessionNew        = "session/new"
	methodSessionLoad       = "session/load"
	methodSessionPrompt     = "session/prompt"
	methodSessionUpdate     = "session/update"
	methodSessionCancel     = "session/cancel"
	methodSessionSetMode    = "session/set_mode"
	methodSessionSetModel   = "session/set_model"
	methodRequestPermission = "session/request_permission"
)

// Agents emit large single-line frames; size the reader accordingly.
const maxFrameBytes = 10 * 1024 * 1024

// errConnClosed reports that the protocol stream ended while a call was
// still pending.
var errConnClosed = errors.New("protocol connection closed")

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is one JSON-RPC 2.0 frame: a request, response, or
// notification depending on which fields are populated.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

type clientCapabilities struct {
	FS       fileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal"`
}

type fileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type agentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

type initializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities agentCapabilities `json:"agentCapabilities,omitempty"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type loadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// sessionUpdate is the streamed notification payload. The inner update
// object is self-describing via its sessionUpdate discriminator.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type updateEnvelope struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       *contentBlock   `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
}

type permissionToolCall struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  permissionToolCall `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

const (
	outcomeSelected  = "selected"
	outcomeCancelled = "cancelled"
)

const (
	optionKindAllowOnce   = "allow_once"
	optionKindAllowAlways = "allow_always"
	optionKindRejectOnce  = "reject_once"
)

// requestHandler serves one agent-to-client request. Handlers run
// synchronously in the reader loop, which is what guarantees decisions
// are written back in strict arrival order.
type requestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *rpcError)

// notifyHandler serves agent notifications in arrival order.
type notifyHandler func(method string, params json.RawMessage)

// conn is one JSON-RPC connection over a child's stdio. A single reader
// loop consumes frames; all writes are serialized behind one mutex so
// concurrent calls never interleave corrupted frames.
type conn struct {
	writer  io.Writer
	reader  *bufio.Reader
	logger  *log.Logger
	handler requestHandler
	notify  notifyHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *rpcMessage

	closed   chan struct{}
	closeErr error
	once     sync.Once
}

func newConn(w io.Writer, r io.Reader, logger *log.Logger, handler requestHandler, notify notifyHandler) *conn {
	return &conn{
		writer:  w,
		reader:  bufio.NewReaderSize(r, 64*1024),
		logger:  logger,
		handler: handler,
		notify:  notify,
		pending: make(map[string]chan *rpcMessage),
		closed:  make(chan struct{}),
	}
}

// serve consumes frames until EOF or a read failure, then fails every
// pending call. It must run in its own goroutine.
func (c *conn) serve(ctx context.Context) {
	err := c.readLoop(ctx)
	c.shutdown(err)
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		line, err := c.readFrame()
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("discarding unparseable frame", "error", err)
			continue
		}

		switch {
		case msg.isResponse():
			c.dispatchResponse(&msg)
		case msg.Method != "" && len(msg.ID) > 0:
			c.serveRequest(ctx, &msg)
		case msg.Method != "":
			if c.notify != nil {
				c.notify(msg.Method, msg.Params)
			}
		default:
			c.logger.Warn("discarding frame with no method or id")
		}
	}
}

// readFrame reads one newline-delimited frame, accumulating long lines up
// to maxFrameBytes.
func (c *conn) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		frame = append(frame, chunk...)
		if len(frame) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			return frame, nil
		}
	}
}

func (c *conn) dispatchResponse(msg *rpcMessage) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		// IDs we issue are always strings; anything else is not ours.
		c.logger.Warn("discarding response with non-string id")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("discarding response for unknown call", "id", id)
		return
	}
	ch <- msg
}

func (c *conn) serveRequest(ctx context.Context, msg *rpcMessage) {
	result, rpcErr := c.handler(ctx, msg.Method, msg.Params)

	reply := rpcMessage{JSONRPC: "2.0", ID: msg.ID}
	if rpcErr != nil {
		reply.Error = rpcErr
	} else {
		encoded, err := json.Marshal(result)
		if err != nil {
			reply.Error = &rpcError{Code: -32603, Message: fmt.Sprintf("encode result: %v", err)}
		} else {
			reply.Result = encoded
		}
	}
	if err := c.writeMessage(&reply); err != nil {
		c.logger.Warn("failed to write response", "method", msg.Method, "error", err)
	}
}

// call issues one request and waits for its response or ctx expiry.
func (c *conn) call(ctx context.Context, method string, params, result any) error {
	id := uuid.NewString()
	encodedID, err := json.Marshal(id)
	if err != nil {
		return err
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	ch := make(chan *rpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := rpcMessage{JSONRPC: "2.0", ID: encodedID, Method: method, Params: encodedParams}
	if err := c.writeMessage(&msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return c.closeError()
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	}
}

// send issues one notification; no response is expected.
func (c *conn) send(method string, params any) error {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	msg := rpcMessage{JSONRPC: "2.0", Method: method, Params: encodedParams}
	return c.writeMessage(&msg)
}

func (c *conn) writeMessage(msg *rpcMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(payload)
	return err
}

func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		if err == nil || errors.Is(err, io.EOF) {
			err = errConnClosed
		}
		c.closeErr = err
		close(c.closed)
	})

	// Pending callers observe c.closed and learn the cause via closeError.
	c.pendingMu.Lock()
	c.pending = make(map[string]chan *rpcMessage)
	c.pendingMu.Unlock()
}

func (c *conn) closeError() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return errConnClosed
	}
}

// closedChan exposes connection termination to the harness.
func (c *conn) closedChan() <-chan struct{} {
	return c.closed
}
