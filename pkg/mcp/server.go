// Package mcp exposes read-only views of token accounts and the usage
// ledger as MCP tools over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pario-ai/tokengate/pkg/models"
)

// TokenReader is the part of the token engine the tools read from.
type TokenReader interface {
	Config() models.TokenPolicy
	TokenInfo(ctx context.Context, userID string) (*models.TokenInfo, bool)
}

// UserLister lists user accounts.
type UserLister interface {
	ListUsers(ctx context.Context) ([]models.User, error)
}

// UsageReader queries recorded token events.
type UsageReader interface {
	Summary(ctx context.Context, userID string) ([]models.LedgerSummary, error)
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.LedgerEntry, error)
}

// Server is a minimal MCP server speaking JSON-RPC 2.0, one message per line.
type Server struct {
	tokens  TokenReader
	users   UserLister
	usage   UsageReader
	version string
	logger  *slog.Logger
}

// New creates a Server. usage may be nil when the ledger is disabled.
func New(tokens TokenReader, users UserLister, usage UsageReader, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tokens:  tokens,
		users:   users,
		usage:   usage,
		version: version,
		logger:  logger,
	}
}

// Run reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}

		// notifications get no response
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "tokengate", Version: s.version},
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult("unknown tool: "+params.Name))
	}
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}
