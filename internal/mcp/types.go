package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Tool describes one callable tool for tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// --- tool argument shapes ---

type saveMemoryArgs struct {
	Content    string   `json:"content"`
	Project    string   `json:"project"`
	MemoryType string   `json:"memory_type,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type searchMemoriesArgs struct {
	Query     string  `json:"query"`
	Project   string  `json:"project"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

type getContextArgs struct {
	Project string `json:"project"`
	Limit   int    `json:"limit,omitempty"`
}

type deleteMemoryArgs struct {
	ID string `json:"id"`
}

type analyzeMessageArgs struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Platform  string `json:"platform"`
}

type requeueArgs struct {
	Seq int64 `json:"seq"`
}
