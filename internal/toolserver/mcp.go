package toolserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/orchestrator"
)

const implementationName = "copilot-gateway"

// MCPServer builds an MCP server with one tool per served flow. A non-empty
// tenantID binds every call to that tenant; otherwise each call must carry
// tenant_id in its arguments.
func (s *Server) MCPServer(version, tenantID string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: implementationName, Version: version}, nil)
	for _, d := range s.Tools() {
		t := s.tools[d.Name]
		t.register(srv, s, tenantID, t)
	}
	return srv
}

func addFlowTool[In input](srv *mcp.Server, s *Server, tenantID string, t tool) {
	mcp.AddTool(srv, &mcp.Tool{Name: t.name, Description: t.description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, orchestrator.Reply, error) {
			tenant, err := tenantOf(tenantID, in.tenant())
			if err != nil {
				return nil, orchestrator.Reply{}, err
			}
			q := in.query()
			if err := s.admit(ctx, tenant, q); err != nil {
				return nil, orchestrator.Reply{}, err
			}
			s.logger.Debug("mcp tool call", "tool", t.name, "tenant_id", tenant)
			reply, err := s.runner.Run(ctx, tenant, t.useCase, q)
			if err != nil {
				return nil, orchestrator.Reply{}, err
			}
			return nil, *reply, nil
		})
}

// ServeStdio serves MCP over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) ServeStdio(ctx context.Context, version string) error {
	return s.MCPServer(version, "").Run(ctx, &mcp.StdioTransport{})
}

// MCPHandler serves MCP over streamable HTTP. It runs stateless so that each
// request gets a server bound to the tenant the auth middleware resolved.
func (s *Server) MCPHandler(version string) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.MCPServer(version, auth.GetTenantID(r.Context()))
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}
