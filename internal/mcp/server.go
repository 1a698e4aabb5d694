// Package mcp exposes the remember/recall/forget/status operations over the
// Model Context Protocol, binding internal/tool's plain Go functions to the
// go-sdk's server-side tool registration.
package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentmemory/memoryd/internal/config"
	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/internal/tool"
)

// ServerName and ServerVersion identify this server to MCP clients.
const (
	ServerName    = "memoryd"
	ServerVersion = "0.1.0"
)

// NewServer builds an MCP server with the four memory tools registered.
func NewServer(svc *tool.Service, metrics *observe.Metrics) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "remember",
		Description: "Store a piece of content in long-term memory, chunking and embedding it and queuing background extraction of the facts and events it describes.",
	}, wrap(svc.Remember))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "recall",
		Description: "Retrieve the memories most relevant to a query, optionally expanding into related context via the entity graph.",
	}, wrap(svc.Recall))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "forget",
		Description: "Permanently delete a remembered artifact and everything derived from it. Requires confirm=true.",
	}, wrap(svc.Forget))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "status",
		Description: "Report background job-queue health, or a specific artifact's extraction status.",
	}, wrap(svc.Status))

	return server
}

// Run starts server on the transport named by cfg and blocks until ctx is
// cancelled or the client disconnects. Stdio is the default; streamable-http
// serves cfg.ListenAddr instead and returns when the HTTP server stops.
func Run(ctx context.Context, server *mcpsdk.Server, cfg config.MCPServerConfig) error {
	if cfg.Transport == config.TransportStreamableHTTP {
		handler := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil)
		httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return ctx.Err()
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

// wrap adapts a (ctx, In) (Out, error) tool function into the signature
// mcpsdk.AddTool expects, which additionally threads *mcpsdk.CallToolRequest
// and returns tool content alongside the structured result. The structured
// Out value is what clients actually consume; the text content is a
// convenience for hosts that only render text.
func wrap[In, Out any](fn func(context.Context, In) (Out, error)) func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, Out, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		out, err := fn(ctx, in)
		if err != nil {
			var zero Out
			return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: err.Error()},
			}}, zero, err
		}
		return &mcpsdk.CallToolResult{}, out, nil
	}
}
