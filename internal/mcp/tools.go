package mcp

import "encoding/json"

// toolCatalogue is the static tools/list payload. Input validation beyond
// these schemas happens in the handlers and the memory store.
var toolCatalogue = []Tool{
	{
		Name:        "save_memory",
		Description: "Persist a memory entry. Returns the stored entry's id and whether the write was queued for later sync.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["content", "project"],
			"properties": {
				"content": {"type": "string", "description": "The text to remember"},
				"project": {"type": "string", "description": "Project namespace"},
				"memory_type": {"type": "string", "enum": ["knowledge", "solution", "preference", "conversation", "error"]},
				"importance": {"type": "number", "minimum": 0, "maximum": 1},
				"tags": {"type": "array", "items": {"type": "string"}}
			}
		}`),
	},
	{
		Name:        "search_memories",
		Description: "Semantic search over stored memories, ranked by similarity. Falls back to keyword search (flagged degraded) when the backend is unreachable.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["query", "project"],
			"properties": {
				"query": {"type": "string"},
				"project": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1},
				"threshold": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}`),
	},
	{
		Name:        "get_memory_context",
		Description: "Most recent memories for a project, newest first.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["project"],
			"properties": {
				"project": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1}
			}
		}`),
	},
	{
		Name:        "delete_memory",
		Description: "Delete a memory by id. Deleting an unknown id succeeds.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string"}
			}
		}`),
	},
	{
		Name:        "analyze_message",
		Description: "Feed one conversational message into the auto-trigger pipeline and get the trigger decision.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["text", "session_id", "platform"],
			"properties": {
				"text": {"type": "string"},
				"session_id": {"type": "string"},
				"platform": {"type": "string"}
			}
		}`),
	},
	{
		Name:        "force_sync",
		Description: "Drain the sync outbox immediately instead of waiting for the periodic timer.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "sync_status",
		Description: "Outbox counters plus the dead-letter list for operator inspection.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "requeue_dead_letter",
		Description: "Move a dead-lettered sync item back to pending with a fresh attempt budget.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["seq"],
			"properties": {
				"seq": {"type": "integer"}
			}
		}`),
	},
}
