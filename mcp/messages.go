package mcp

import "encoding/json"

// PaginatedRequest carries the optional cursor and page-size hint shared by
// all list requests. An empty cursor requests the first page.
type PaginatedRequest struct {
	Cursor   string `json:"cursor,omitzero"`
	PageSize int    `json:"pageSize,omitzero"`
}

// PaginatedResult carries the optional next cursor shared by all list results.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// PingRequest is a no-op request used to test connectivity.
type PingRequest struct{}

// EmptyResult is the result payload for methods with no data to return.
type EmptyResult struct{}

// InitializeRequest starts the protocol handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// InitializedNotification signals that the client finished initialization.
type InitializedNotification struct{}

// Tools
type ListToolsRequest struct {
	PaginatedRequest
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
}

// CallToolRequest is the server-received representation of a tool call.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result. Validation and handler
// failures are reported in-band with IsError rather than as protocol errors.
type CallToolResult struct {
	Content []ContentBlock `json:"content,omitempty"`
	IsError bool           `json:"isError,omitzero"`
}

type ToolListChangedNotification struct{}

// Resources
type ListResourcesRequest struct {
	PaginatedRequest
}

type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginatedResult
}

type ListResourceTemplatesRequest struct {
	PaginatedRequest
}

type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	PaginatedResult
}

type ReadResourceRequest struct {
	URI string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type SubscribeRequest struct {
	URI string `json:"uri"`
}

type UnsubscribeRequest struct {
	URI string `json:"uri"`
}

type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

type ResourceListChangedNotification struct{}

// Prompts
type ListPromptsRequest struct {
	PaginatedRequest
}

type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
	PaginatedResult
}

type GetPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type GetPromptResult struct {
	Description string          `json:"description,omitzero"`
	Messages    []PromptMessage `json:"messages"`
}

type PromptListChangedNotification struct{}

// Sampling
type CreateMessageRequest struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitzero"`
	MaxTokens    int               `json:"maxTokens,omitzero"`
	Temperature  float64           `json:"temperature,omitzero"`
	ModelHint    string            `json:"modelPreferences,omitzero"`
}

type CreateMessageResult struct {
	Role       Role         `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitzero"`
}

// Tasks
type GetTaskRequest struct {
	TaskID string `json:"taskId"`
}

type GetTaskResult struct {
	TaskID    string          `json:"taskId"`
	State     string          `json:"state"`
	Progress  *TaskProgress   `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitzero"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

type CancelTaskRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitzero"`
}

type TaskProgress struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total,omitzero"`
	Message string  `json:"message,omitzero"`
}

// Misc
type CancelledNotification struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitzero"`
}

type ProgressNotification struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitzero"`
	Message       string  `json:"message,omitzero"`
}
