// Package mcp exposes budget extraction, stored artifacts and recommended
// actions as Model Context Protocol tools over line-delimited JSON-RPC.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/recommend"
)

const maxLine = 1 << 20

// Artifacts reads stored artifacts. *artifact.Store implements it.
type Artifacts interface {
	Latest(ctx context.Context, subjectID string, kind models.ArtifactKind) (models.Artifact, error)
	Query(ctx context.Context, opts models.ArtifactQueryOpts) ([]models.Artifact, error)
	Stats(ctx context.Context) ([]artifact.Stat, error)
}

// Recommender answers recommendation requests. *recommend.Service implements it.
type Recommender interface {
	Actions(ctx context.Context, subjectID, brief string) (recommend.Result, error)
	Refresh(ctx context.Context, subjectID, brief string) (recommend.Result, error)
}

// CacheStatter reports recommendation cache counters. *cache.Cache implements it.
type CacheStatter interface {
	Stats() models.CacheStats
}

// Server is an MCP server. Any dependency may be nil; its tools then report
// that the feature is not configured.
type Server struct {
	artifacts Artifacts
	recommend Recommender
	cache     CacheStatter
	version   string
	log       *zap.Logger
}

// Deps are the components the tools read from.
type Deps struct {
	Artifacts Artifacts
	Recommend Recommender
	Cache     CacheStatter
	Logger    *zap.Logger
}

// New creates a Server.
func New(deps Deps, version string) *Server {
	return &Server{
		artifacts: deps.Artifacts,
		recommend: deps.Recommend,
		cache:     deps.Cache,
		version:   version,
		log:       logging.OrNop(deps.Logger).Named("mcp"),
	}
}

// Run serves requests read line by line from r until r is exhausted or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if resp, ok := s.dispatch(ctx, req); ok {
			s.write(w, resp)
		}
	}
	return sc.Err()
}

func (s *Server) dispatch(ctx context.Context, req Request) (Response, bool) {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "dwellwise", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}
	case "tools/list":
		resp.Result = map[string][]Tool{"tools": toolList()}
	case "tools/call":
		var p ToolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = &RPCError{Code: codeInvalidParams, Message: "invalid params"}
			break
		}
		resp.Result = s.call(ctx, p)
	default:
		if len(req.ID) == 0 {
			return Response{}, false
		}
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
	return resp, len(req.ID) > 0
}

func (s *Server) call(ctx context.Context, p ToolCallParams) ToolResult {
	t, ok := tools[p.Name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", p.Name))
	}
	args := p.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res := t.handle(ctx, s, args)
	if res.IsError {
		s.log.Debug("tool failed", zap.String("tool", p.Name), zap.String("message", res.Content[0].Text))
	}
	return res
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}
