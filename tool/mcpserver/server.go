// Package mcpserver exposes a tool.Registry over the Model Context Protocol.
package mcpserver

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/TwoMental/modbus-mcp/logging"
	"github.com/TwoMental/modbus-mcp/tool"
)

// Server serves registered tools to an MCP client.
type Server struct {
	mcp      *server.MCPServer
	registry *tool.Registry
	logger   *bolt.Logger
}

// New creates a server and publishes every tool in registry.
func New(name, version string, registry *tool.Registry, logger *bolt.Logger) *Server {
	if logger == nil {
		logger = logging.Get()
	}
	s := &Server{
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		registry: registry,
		logger:   logger,
	}
	for _, cfg := range registry.List() {
		s.mcp.AddTool(Tool(cfg), s.handler(cfg.Name))
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves requests read from in until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	logging.NewEvent(s.logger.Info()).
		Add(logging.Component("mcpserver")).
		Add(logging.Int("tools", s.registry.Count())).
		Msg("serving tools over stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return CallToolResult(s.registry.Invoke(ctx, name, req.GetArguments())), nil
	}
}

// Tool converts a registration record to an mcp.Tool.
func Tool(cfg tool.Config) mcp.Tool {
	properties := make(map[string]any, len(cfg.InputSchema.Properties))
	for name, prop := range cfg.InputSchema.Properties {
		properties[name] = prop
	}
	t := mcp.Tool{
		Name:        cfg.Name,
		Description: cfg.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   cfg.InputSchema.Required,
		},
	}
	if cfg.ReadOnly {
		t.Annotations.ReadOnlyHint = mcp.ToBoolPtr(true)
	}
	return t
}

// CallToolResult maps a tool result onto the MCP wire type one block at a time.
func CallToolResult(r tool.Result) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(r.Content))
	for _, c := range r.Content {
		switch c.Type {
		case tool.ContentImage:
			content = append(content, mcp.NewImageContent(c.Data, c.MimeType))
		case tool.ContentResource:
			if c.Text == "" && c.Data != "" {
				content = append(content, mcp.NewEmbeddedResource(mcp.BlobResourceContents{
					URI:      c.URI,
					MIMEType: c.MimeType,
					Blob:     c.Data,
				}))
				continue
			}
			content = append(content, mcp.NewEmbeddedResource(mcp.TextResourceContents{
				URI:      c.URI,
				MIMEType: c.MimeType,
				Text:     c.Text,
			}))
		default:
			content = append(content, mcp.NewTextContent(c.Text))
		}
	}
	return &mcp.CallToolResult{
		Content: content,
		IsError: r.IsError,
	}
}
