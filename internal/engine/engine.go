// Package engine routes inbound wire messages to the managers and
// registries that serve them. It enforces admission (rate limiting), the
// handshake gate, and the stable error-code contract, and it owns the
// outbound side channel for advisory notifications.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/validation"
	"github.com/relaykit/relay/mcp"
	"github.com/relaykit/relay/metrics"
	"github.com/relaykit/relay/oauth"
	"github.com/relaykit/relay/pool"
	"github.com/relaykit/relay/ratelimit"
	"github.com/relaykit/relay/registry"
	"github.com/relaykit/relay/sampling"
	"github.com/relaykit/relay/sessions"
	"github.com/relaykit/relay/tasks"
)

// Sender delivers one outbound message to a session's transport.
type Sender func(ctx context.Context, msg jsonrpc.Message) error

// Config wires the engine to its collaborators. Sessions is required;
// everything else is optional and the corresponding methods respond
// "method not found" when absent.
type Config struct {
	ServerInfo   mcp.ImplementationInfo
	Instructions string

	Sessions  *sessions.Manager
	Tools     *registry.ToolRegistry
	Resources *registry.ResourceRegistry
	Prompts   *registry.PromptRegistry
	Tasks     *tasks.Manager
	Limiter   *ratelimit.Limiter
	Sampling  *sampling.Manager
	OAuth     *oauth.Manager
	Pool      *pool.Pool
	Metrics   *metrics.Metrics
}

// handlerFunc serves one method for one session. A nil result with a nil
// error means the message was a notification and gets no response.
type handlerFunc func(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error)

// Counters aggregates dispatcher-level totals for health reporting.
type Counters struct {
	Requests int64
	Errors   int64
}

// Engine is the protocol dispatcher. Safe for concurrent use across
// sessions; within one session the caller is expected to feed messages in
// arrival order.
type Engine struct {
	log *slog.Logger
	cfg Config

	handlers map[mcp.Method]handlerFunc

	mu      sync.RWMutex
	senders map[string]Sender

	requests     atomic.Int64
	errorCount   atomic.Int64
	shuttingDown atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New constructs an Engine and builds its method routing table.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine: session manager is required")
	}
	e := &Engine{
		log:     slog.Default(),
		cfg:     cfg,
		senders: make(map[string]Sender),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buildRoutes()
	return e, nil
}

func (e *Engine) buildRoutes() {
	e.handlers = map[mcp.Method]handlerFunc{
		mcp.InitializeMethod:              e.handleInitialize,
		mcp.InitializedNotificationMethod: e.handleInitialized,
		mcp.PingMethod:                    e.handlePing,
		mcp.CancelledNotificationMethod:   e.handleCancelled,
		mcp.ProgressNotificationMethod:    e.handleProgress,
	}
	if e.cfg.Tools != nil {
		e.handlers[mcp.ToolsListMethod] = e.handleToolsList
		e.handlers[mcp.ToolsCallMethod] = e.handleToolsCall
	}
	if e.cfg.Resources != nil {
		e.handlers[mcp.ResourcesListMethod] = e.handleResourcesList
		e.handlers[mcp.ResourcesTemplatesListMethod] = e.handleResourceTemplatesList
		e.handlers[mcp.ResourcesReadMethod] = e.handleResourcesRead
		e.handlers[mcp.ResourcesSubscribeMethod] = e.handleResourcesSubscribe
		e.handlers[mcp.ResourcesUnsubscribeMethod] = e.handleResourcesUnsubscribe
	}
	if e.cfg.Prompts != nil {
		e.handlers[mcp.PromptsListMethod] = e.handlePromptsList
		e.handlers[mcp.PromptsGetMethod] = e.handlePromptsGet
	}
	if e.cfg.Sampling != nil {
		e.handlers[mcp.SamplingCreateMessageMethod] = e.handleCreateMessage
	}
	if e.cfg.Tasks != nil {
		e.handlers[mcp.TasksGetMethod] = e.handleTasksGet
		e.handlers[mcp.TasksCancelMethod] = e.handleTasksCancel
	}
}

// BindSender attaches the outbound side channel for a session. List-changed,
// progress and resource-updated notifications for that session flow through
// it.
func (e *Engine) BindSender(sessionID string, send Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senders[sessionID] = send
}

// UnbindSender detaches a session's outbound channel.
func (e *Engine) UnbindSender(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.senders, sessionID)
}

// SetShuttingDown flips the health status during shutdown.
func (e *Engine) SetShuttingDown(v bool) {
	e.shuttingDown.Store(v)
}

// Counters returns aggregate request and error totals.
func (e *Engine) Counters() Counters {
	return Counters{Requests: e.requests.Load(), Errors: e.errorCount.Load()}
}

// Healthy reports liveness: false while shutting down or when the pool has
// fallen below its configured floor.
func (e *Engine) Healthy() bool {
	if e.shuttingDown.Load() {
		return false
	}
	if e.cfg.Pool != nil {
		st := e.cfg.Pool.Stats()
		if st.Size < st.MinConns {
			return false
		}
	}
	return true
}

// HandleMessage processes one inbound message for a session and returns the
// marshaled response, or nil when the message was a notification. It never
// returns a Go error for client mistakes; those become error responses with
// stable codes.
func (e *Engine) HandleMessage(ctx context.Context, sessionID string, raw jsonrpc.Message) jsonrpc.Message {
	e.requests.Add(1)

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return e.errorResponse(nil, "", jsonrpc.ErrorCodeParseError, "parse error", nil)
		}
		return e.errorResponse(nil, "", jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	}

	req := msg.AsRequest()
	if req == nil {
		// Responses to server-initiated requests are advisory; nothing
		// correlates them yet.
		e.log.Debug("engine.response.drop", slog.String("session_id", sessionID))
		return nil
	}

	method := mcp.Method(req.Method)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	}
	start := time.Now()
	resp := e.dispatch(ctx, sessionID, method, req)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		e.observeGauges()
	}
	return resp
}

func (e *Engine) dispatch(ctx context.Context, sessionID string, method mcp.Method, req *jsonrpc.Request) jsonrpc.Message {
	if e.cfg.Limiter != nil {
		if d := e.cfg.Limiter.Check(sessionID); !d.Allowed {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RateLimitedTotal.Inc()
			}
			if req.IsNotification() {
				return nil
			}
			return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeRateLimited, "rate limited",
				map[string]any{"retryAfterMs": d.RetryAfter.Milliseconds()})
		}
	}

	sess, err := e.cfg.Sessions.Get(sessionID)
	if err != nil {
		if req.IsNotification() {
			return nil
		}
		return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeAccessDenied, "unknown session", nil)
	}

	// Handshake gate: before the session is ready only the handshake
	// exchange itself is admitted.
	if !sess.Ready() && method != mcp.InitializeMethod && method != mcp.InitializedNotificationMethod {
		if req.IsNotification() {
			return nil
		}
		return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil)
	}

	handler, ok := e.handlers[method]
	if !ok {
		if req.IsNotification() {
			e.log.Debug("engine.notification.unknown",
				slog.String("session_id", sessionID),
				slog.String("method", req.Method))
			return nil
		}
		return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}

	e.cfg.Sessions.UpdateActivity(sessionID)

	result, rpcErr := handler(ctx, sess, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return e.errorResponse(req.ID, req.Method, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	out, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeInternalError, "marshal result", nil)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return e.errorResponse(req.ID, req.Method, jsonrpc.ErrorCodeInternalError, "marshal response", nil)
	}
	return b
}

func (e *Engine) errorResponse(id *jsonrpc.RequestID, method string, code jsonrpc.ErrorCode, message string, data any) jsonrpc.Message {
	e.errorCount.Add(1)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ErrorsTotal.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
	}
	e.log.Debug("engine.request.fail",
		slog.String("method", method),
		slog.Int("code", int(code)),
		slog.String("err", message))
	resp := jsonrpc.NewErrorResponse(id, code, message, data)
	b, err := json.Marshal(resp)
	if err != nil {
		// A hand-built error envelope always marshals.
		panic(fmt.Sprintf("engine: marshal error response: %v", err))
	}
	return b
}

func (e *Engine) observeGauges() {
	m := e.cfg.Metrics
	m.SessionsActive.Set(float64(e.cfg.Sessions.Stats().Active))
	if e.cfg.Tasks != nil {
		m.TasksRunning.Set(float64(e.cfg.Tasks.Stats().Running))
	}
	if e.cfg.Pool != nil {
		m.PoolSize.Set(float64(e.cfg.Pool.Stats().Size))
	}
}

// decodeParams unmarshals request params into out. Absent params decode as
// the zero value.
func decodeParams(req *jsonrpc.Request, out any) *jsonrpc.Error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// mapError converts manager and registry failures to the stable error-code
// contract.
func mapError(err error) *jsonrpc.Error {
	var verr *validation.Error
	var taskErr *tasks.TaskError
	switch {
	case errors.As(err, &verr):
		return &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: "validation failed",
			Data:    verr.Violations,
		}
	case errors.As(err, &taskErr) && taskErr.Kind == "timeout":
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeRequestTimeout, Message: taskErr.Message}
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrBadCursor),
		errors.Is(err, tasks.ErrNotFound):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, tasks.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeRequestTimeout, Message: "request timed out"}
	case errors.Is(err, oauth.ErrInvalidState):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeAccessDenied, Message: err.Error()}
	default:
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: err.Error()}
	}
}

// --- lifecycle ---

func (e *Engine) handleInitialize(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.InitializeRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	e.cfg.Sessions.InitializeSession(sess.ID, params.ClientInfo, version, params.Capabilities)

	e.log.Info("engine.session.initialize",
		slog.String("session_id", sess.ID),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version))

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    e.serverCapabilities(),
		ServerInfo:      e.cfg.ServerInfo,
		Instructions:    e.cfg.Instructions,
	}, nil
}

func (e *Engine) serverCapabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if e.cfg.Tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if e.cfg.Resources != nil {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true, Subscribe: true}
	}
	if e.cfg.Prompts != nil {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if e.cfg.Sampling != nil && e.cfg.Sampling.Available() {
		caps.Sampling = &struct{}{}
	}
	if e.cfg.Tasks != nil {
		caps.Tasks = &struct{}{}
	}
	return caps
}

func (e *Engine) handleInitialized(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	e.cfg.Sessions.SetState(sess.ID, sessions.StateReady)
	e.log.Info("engine.session.ready", slog.String("session_id", sess.ID))
	return nil, nil
}

func (e *Engine) handlePing(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	return &mcp.EmptyResult{}, nil
}

func (e *Engine) handleCancelled(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CancelledNotification
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if e.cfg.Tasks != nil && params.RequestID != "" {
		reason := params.Reason
		if reason == "" {
			reason = "client cancelled"
		}
		// Best effort; the task may already be terminal or unknown.
		_ = e.cfg.Tasks.CancelTask(params.RequestID, reason)
	}
	return nil, nil
}

func (e *Engine) handleProgress(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	// Client-side progress is advisory; nothing consumes it server-side.
	return nil, nil
}

// --- tools ---

func (e *Engine) handleToolsList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ListToolsRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	page, err := e.cfg.Tools.List(params.Cursor, params.PageSize)
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ListToolsResult{
		Tools:           page.Items,
		PaginatedResult: mcp.PaginatedResult{NextCursor: page.NextCursor},
	}, nil
}

func (e *Engine) handleToolsCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CallToolRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, err := e.cfg.Tools.Execute(ctx, &params)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// --- resources ---

func (e *Engine) handleResourcesList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ListResourcesRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	page, err := e.cfg.Resources.List(params.Cursor, params.PageSize)
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ListResourcesResult{
		Resources:       page.Items,
		PaginatedResult: mcp.PaginatedResult{NextCursor: page.NextCursor},
	}, nil
}

func (e *Engine) handleResourceTemplatesList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ListResourceTemplatesRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	page, err := e.cfg.Resources.ListTemplates(params.Cursor, params.PageSize)
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ListResourceTemplatesResult{
		ResourceTemplates: page.Items,
		PaginatedResult:   mcp.PaginatedResult{NextCursor: page.NextCursor},
	}, nil
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ReadResourceRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	contents, err := e.cfg.Resources.Read(ctx, params.URI)
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.SubscribeRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	sessionID := sess.ID
	err := e.cfg.Resources.Subscribe(params.URI, sessionID, func(uri string, contents []mcp.ResourceContents) {
		e.notifySession(sessionID, mcp.ResourcesUpdatedNotificationMethod,
			&mcp.ResourceUpdatedNotification{URI: uri})
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.EmptyResult{}, nil
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.UnsubscribeRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	e.cfg.Resources.Unsubscribe(params.URI, sess.ID)
	return &mcp.EmptyResult{}, nil
}

// --- prompts ---

func (e *Engine) handlePromptsList(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ListPromptsRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	page, err := e.cfg.Prompts.List(params.Cursor, params.PageSize)
	if err != nil {
		return nil, mapError(err)
	}
	return &mcp.ListPromptsResult{
		Prompts:         page.Items,
		PaginatedResult: mcp.PaginatedResult{NextCursor: page.NextCursor},
	}, nil
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.GetPromptRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, err := e.cfg.Prompts.GetResult(ctx, params.Name, params.Arguments)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// --- sampling ---

func (e *Engine) handleCreateMessage(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CreateMessageRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, err := e.cfg.Sampling.CreateMessage(ctx, "", &params)
	if err != nil {
		if errors.Is(err, sampling.ErrNoProvider) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "sampling unavailable"}
		}
		return nil, mapError(err)
	}
	return result, nil
}

// --- tasks ---

func (e *Engine) handleTasksGet(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.GetTaskRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	task, err := e.cfg.Tasks.GetTask(params.TaskID)
	if err != nil {
		return nil, mapError(err)
	}
	return taskResult(task), nil
}

func (e *Engine) handleTasksCancel(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CancelTaskRequest
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	reason := params.Reason
	if reason == "" {
		reason = "client cancelled"
	}
	if err := e.cfg.Tasks.CancelTask(params.TaskID, reason); err != nil {
		return nil, mapError(err)
	}
	task, err := e.cfg.Tasks.GetTask(params.TaskID)
	if err != nil {
		return nil, mapError(err)
	}
	return taskResult(task), nil
}

func taskResult(t tasks.Task) *mcp.GetTaskResult {
	out := &mcp.GetTaskResult{
		TaskID:    t.ID,
		State:     string(t.State),
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.Progress != nil {
		out.Progress = &mcp.TaskProgress{
			Current: t.Progress.Current,
			Total:   t.Progress.Total,
			Message: t.Progress.Message,
		}
	}
	if t.Err != nil {
		out.Error = t.Err.Error()
	}
	if t.Result != nil {
		if b, err := json.Marshal(t.Result); err == nil {
			out.Result = b
		}
	}
	return out
}

// --- outbound notifications ---

// notifySession sends an advisory notification to one session. Failures are
// logged and dropped; side-channel delivery is never load-bearing.
func (e *Engine) notifySession(sessionID string, method mcp.Method, params any) {
	e.mu.RLock()
	send, ok := e.senders[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return
	}
	b, err := json.Marshal(note)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := send(ctx, b); err != nil {
		e.log.Debug("engine.notify.fail",
			slog.String("session_id", sessionID),
			slog.String("method", string(method)),
			slog.String("err", err.Error()))
	}
}

// broadcast sends an advisory notification to every ready session.
func (e *Engine) broadcast(method mcp.Method, params any) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.senders))
	for id := range e.senders {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		if sess, err := e.cfg.Sessions.Get(id); err != nil || !sess.Ready() {
			continue
		}
		e.notifySession(id, method, params)
	}
}

// Start pumps registry list-changed signals and task progress into outbound
// notifications until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if e.cfg.Tools != nil {
		go e.pumpListChanged(ctx, e.cfg.Tools.Subscribe(), mcp.ToolsListChangedNotificationMethod)
	}
	if e.cfg.Resources != nil {
		go e.pumpListChanged(ctx, e.cfg.Resources.SubscribeListChanged(), mcp.ResourcesListChangedNotificationMethod)
	}
	if e.cfg.Prompts != nil {
		go e.pumpListChanged(ctx, e.cfg.Prompts.Subscribe(), mcp.PromptsListChangedNotificationMethod)
	}
}

func (e *Engine) pumpListChanged(ctx context.Context, ch <-chan struct{}, method mcp.Method) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			e.broadcast(method, struct{}{})
		}
	}
}

// NotifyProgress pushes a task progress update to one session.
func (e *Engine) NotifyProgress(sessionID, token string, p tasks.Progress) {
	e.notifySession(sessionID, mcp.ProgressNotificationMethod, &mcp.ProgressNotification{
		ProgressToken: token,
		Progress:      p.Current,
		Total:         p.Total,
		Message:       p.Message,
	})
}
