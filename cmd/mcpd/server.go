package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/streamplane/mcpd/internal/config"
	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/mcpservice"
	"github.com/streamplane/mcpd/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

type calcArgs struct {
	Op string  `json:"op" jsonschema:"description=One of add subtract multiply divide"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

type calcResult struct {
	Value float64 `json:"value"`
}

// newServerCapabilities composes the built-in demo surface: a couple of
// tools, a greeting prompt, a resource set, and client-adjustable logging.
// The returned LevelVar backs both the logging capability and the process
// logger, so a client's logging/setLevel call takes effect immediately.
func newServerCapabilities(cfg *config.Config) (mcpservice.ServerCapabilities, *slog.LevelVar) {
	tools := mcpservice.NewToolsContainer(
		mcpservice.NewTool[echoArgs]("echo", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			return w.AppendText(r.Args().Message)
		}, mcpservice.WithToolDescription("Echo a message back to the caller")),
		mcpservice.NewToolWithOutput[calcArgs, calcResult]("calculate", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriterTyped[calcResult], r *mcpservice.ToolRequest[calcArgs]) error {
			args := r.Args()
			var v float64
			switch args.Op {
			case "add":
				v = args.A + args.B
			case "subtract":
				v = args.A - args.B
			case "multiply":
				v = args.A * args.B
			case "divide":
				if args.B == 0 {
					w.SetError(true)
					return w.AppendText("division by zero")
				}
				v = args.A / args.B
			default:
				return fmt.Errorf("%w: unknown op %q", mcpservice.ErrInvalidArguments, args.Op)
			}
			w.SetStructured(calcResult{Value: v})
			return w.AppendText(fmt.Sprintf("%g", v))
		}, mcpservice.WithToolDescription("Basic arithmetic over two operands")),
	)

	prompts := mcpservice.NewPromptsContainer(
		mcpservice.StaticPrompt{
			Descriptor: mcp.Prompt{
				Name:        "greeting",
				Description: "Compose a short greeting",
				Arguments: []mcp.PromptArgument{
					{Name: "name", Description: "Who to greet", Required: true},
					{Name: "tone", Description: "formal or casual", Completions: []string{"formal", "casual"}},
				},
			},
			Handler: func(ctx context.Context, _ sessions.Session, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
				name := req.Arguments["name"]
				greeting := "Hello, " + name + "!"
				if strings.EqualFold(req.Arguments["tone"], "casual") {
					greeting = "hey " + name
				}
				return &mcp.GetPromptResult{
					Description: "A greeting for " + name,
					Messages: []mcp.PromptMessage{
						{Role: mcp.RoleUser, Content: []mcp.ContentBlock{{Type: "text", Text: greeting}}},
					},
				}, nil
			},
		},
	)

	lv := &slog.LevelVar{}
	opts := []mcpservice.ServerOption{
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: cfg.Server.Name, Version: version}),
		mcpservice.WithInstructions("General-purpose demo server. Call tools/list to discover what is available."),
		mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(lv)),
	}

	if cfg.Features.Tools {
		opts = append(opts, mcpservice.WithToolsFrom(tools))
	}
	if cfg.Features.Prompts {
		opts = append(opts, mcpservice.WithPromptsFrom(prompts))
	}

	switch {
	case !cfg.Features.Resources:
	case cfg.Resources.Dir != "":
		opts = append(opts, mcpservice.WithResourcesCapability(mcpservice.NewFSResources(
			mcpservice.WithOSDir(cfg.Resources.Dir),
			mcpservice.WithBaseURI("file:///"),
		)))
	default:
		opts = append(opts, mcpservice.WithResourcesFrom(mcpservice.NewResourcesContainer(
			mcpservice.TextResource("mcpd://about", "about", "text/plain", "mcpd is a streamable HTTP MCP server."),
		)))
	}

	return mcpservice.NewServer(opts...), lv
}

var version = "dev"
