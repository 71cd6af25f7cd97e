// Package mcpservice provides building blocks for implementing MCP server
// capabilities in a composable way. It exposes the capability interfaces
// consumed by the Streaming HTTP handler, plus registry-backed containers for
// tools, resources and prompts, and change notification helpers.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message"`
//	}
//
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool[EchoArgs]("echo", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("you said: " + r.Args.Message)
//	    }, mcpservice.WithToolDescription("Echo a message back to the caller")),
//	)
//
//	resources := mcpservice.NewResourcesContainer(
//	    mcpservice.TextResource("res://hello.txt", "hello.txt", "text/plain", "hello"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithToolsFrom(tools),
//	    mcpservice.WithResourcesFrom(resources),
//	)
//
// Containers remain mutable after the server starts. Adding, replacing or
// removing a definition triggers list-changed notifications on sessions that
// registered for them; SetEnabled gates registration and invocation while
// leaving read paths intact.
//
// Dynamic per-session capabilities:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithToolsProvider(func(ctx context.Context, s sessions.Session) (mcpservice.ToolsCapability, bool, error) {
//	        if s.UserID() == "guest" {
//	            return nil, false, nil
//	        }
//	        return tools, true, nil
//	    }),
//	)
//
// See server.go and capabilities.go for full API details.
package mcpservice
