package dbtools

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/koopa0/ease/internal/log"
)

// Server exposes the Kit's tools over MCP.
type Server struct {
	mcpServer *mcp.Server
	kit       *Kit
	logger    log.Logger
}

// NewServer creates an MCP server wrapping the given Kit.
func NewServer(kit *Kit, version string, logger log.Logger) (*Server, error) {
	if kit == nil {
		return nil, fmt.Errorf("kit is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "ease-dbtools",
		Version: version,
	}, nil)

	s := &Server{
		mcpServer: mcpServer,
		kit:       kit,
		logger:    logger.With("component", "dbtools-server"),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run serves MCP on the given transport. Blocking.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// Handler returns a streamable HTTP handler serving this MCP server, for
// mounting under /mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// Tool input shapes. Field tags drive the generated JSON schema.

// ListTablesInput has no parameters.
type ListTablesInput struct{}

// TableSchemaInput selects the table to describe.
type TableSchemaInput struct {
	Table string `json:"table" jsonschema:"Name of the table to describe"`
}

// RunQueryInput carries the SELECT statement to run.
type RunQueryInput struct {
	SQL string `json:"sql" jsonschema:"A single read-only SELECT statement"`
}

func (s *Server) registerTools() error {
	if err := s.registerListTables(); err != nil {
		return err
	}
	if err := s.registerTableSchema(); err != nil {
		return err
	}
	return s.registerRunQuery()
}

func (s *Server) registerListTables() error {
	inputSchema, err := jsonschema.For[ListTablesInput](nil)
	if err != nil {
		return fmt.Errorf("creating list_tables schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "list_tables",
		Description: "List the tables available in the database.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in ListTablesInput) (*mcp.CallToolResult, any, error) {
		tables, err := s.kit.ListTables(ctx)
		if err != nil {
			return errorResult(err), nil, nil
		}
		text := "no tables"
		if len(tables) > 0 {
			text = strings.Join(tables, "\n")
		}
		return textResult(text), nil, nil
	})
	return nil
}

func (s *Server) registerTableSchema() error {
	inputSchema, err := jsonschema.For[TableSchemaInput](nil)
	if err != nil {
		return fmt.Errorf("creating table_schema schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "table_schema",
		Description: "Describe the columns of a table: name, type, nullability and primary key.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in TableSchemaInput) (*mcp.CallToolResult, any, error) {
		cols, err := s.kit.TableSchema(ctx, in.Table)
		if err != nil {
			return errorResult(err), nil, nil
		}
		lines := make([]string, 0, len(cols))
		for _, c := range cols {
			line := fmt.Sprintf("%s %s", c.Name, c.Type)
			if c.Primary {
				line += " PRIMARY KEY"
			}
			if c.NotNull {
				line += " NOT NULL"
			}
			lines = append(lines, line)
		}
		return textResult(strings.Join(lines, "\n")), nil, nil
	})
	return nil
}

func (s *Server) registerRunQuery() error {
	inputSchema, err := jsonschema.For[RunQueryInput](nil)
	if err != nil {
		return fmt.Errorf("creating run_query schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "run_query",
		Description: "Run a single read-only SELECT statement and return the rows as JSON. Writes and DDL are rejected.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in RunQueryInput) (*mcp.CallToolResult, any, error) {
		out, err := s.kit.RunQuery(ctx, in.SQL)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(out), nil, nil
	})
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// errorResult reports a tool-level failure. The text goes back to the model
// as the tool outcome; protocol errors are reserved for broken transports.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
