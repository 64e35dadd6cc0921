package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/hikarudo/engram/common/trace"
	"github.com/hikarudo/engram/common/version"
	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/observability"
)

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	ctx = trace.WithID(ctx, trace.GenerateID())

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return map[string]any{}, nil
	case "notifications/initialized":
		return nil, nil
	case "tools/list":
		return map[string]any{"tools": toolCatalogue}, nil
	case "tools/call":
		return s.handleCallTool(ctx, req)
	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

func (s *Server) handleInitialize(req *jsonrpc2.Request) (interface{}, error) {
	var params initializeParams
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
	}
	s.logger.Info("mcp: client initialized",
		"client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverInfo{Name: "engram", Version: version.Version},
	}, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	var call callToolParams
	if req.Params == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, &call); err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	if call.Name == "" {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "tool name is required"}
	}

	log := observability.WithTrace(ctx)
	log.Debug("mcp: tool call", "tool", call.Name)

	result, err := s.dispatch(ctx, call.Name, call.Arguments)
	if err != nil {
		var vErr *memory.ValidationError
		if errors.As(err, &vErr) {
			// Malformed input is a tool-level failure, not a protocol error.
			return errorResult(vErr.Error()), nil
		}
		log.Warn("mcp: tool call failed", "tool", call.Name, "err", err)
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
	return textResult(result)
}

func (s *Server) dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "save_memory":
		return s.saveMemory(ctx, args)
	case "search_memories":
		return s.searchMemories(ctx, args)
	case "get_memory_context":
		return s.getContext(ctx, args)
	case "delete_memory":
		return s.deleteMemory(ctx, args)
	case "analyze_message":
		return s.analyzeMessage(ctx, args)
	case "force_sync":
		return s.forceSync(ctx)
	case "sync_status":
		return s.syncStatus(ctx)
	case "requeue_dead_letter":
		return s.requeueDeadLetter(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func (s *Server) saveMemory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args saveMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	res, err := s.coord.Store().Save(ctx, memory.Entry{
		Content:    args.Content,
		Project:    args.Project,
		Type:       memory.Type(args.MemoryType),
		Importance: args.Importance,
		Tags:       args.Tags,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": res.Entry.ID, "queued": res.Queued}, nil
}

func (s *Server) searchMemories(ctx context.Context, raw json.RawMessage) (any, error) {
	var args searchMemoriesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return nil, &memory.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if args.Project == "" {
		return nil, &memory.ValidationError{Field: "project", Reason: "must not be empty"}
	}

	return s.coord.Store().Search(ctx, args.Query, args.Project, args.Limit, args.Threshold)
}

func (s *Server) getContext(ctx context.Context, raw json.RawMessage) (any, error) {
	var args getContextArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Project == "" {
		return nil, &memory.ValidationError{Field: "project", Reason: "must not be empty"}
	}

	entries, degraded, err := s.coord.Store().Context(ctx, args.Project, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "degraded": degraded}, nil
}

func (s *Server) deleteMemory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args deleteMemoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, &memory.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	queued, err := s.coord.Store().Delete(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "queued": queued}, nil
}

func (s *Server) analyzeMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args analyzeMessageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		return nil, &memory.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}

	return s.coord.Analyze(ctx, args.Text, args.SessionID, args.Platform)
}

func (s *Server) forceSync(ctx context.Context) (any, error) {
	stats, err := s.coord.Store().Outbox().Drain(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Server) syncStatus(ctx context.Context) (any, error) {
	outbox := s.coord.Store().Outbox()
	pending, dead, err := outbox.Counts(ctx)
	if err != nil {
		return nil, err
	}

	letters, err := outbox.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	deadItems := make([]map[string]any, len(letters))
	for i, item := range letters {
		deadItems[i] = map[string]any{
			"seq":        item.Seq,
			"action":     item.Action,
			"memory_id":  item.MemoryID,
			"attempts":   item.Attempts,
			"last_error": item.LastError,
		}
	}

	remoteHealthy := s.coord.Store().Ping(ctx) == nil
	return map[string]any{
		"pending":        pending,
		"dead_letters":   deadItems,
		"dead_count":     dead,
		"remote_healthy": remoteHealthy,
	}, nil
}

func (s *Server) requeueDeadLetter(ctx context.Context, raw json.RawMessage) (any, error) {
	var args requeueArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := s.coord.Store().Outbox().Requeue(ctx, args.Seq); err != nil {
		return nil, err
	}
	s.coord.Store().Outbox().Kick()
	return map[string]any{"requeued": args.Seq}, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("mcp: decode arguments: %w", err)
	}
	return nil
}

// textResult wraps a payload as MCP text content.
func textResult(v any) (callToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return callToolResult{}, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return callToolResult{Content: []toolContent{{Type: "text", Text: string(data)}}}, nil
}

func errorResult(msg string) callToolResult {
	return callToolResult{
		Content: []toolContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}
