package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client manages the connection to a single MCP server subprocess and
// exposes its tools through the tools.Tool interface.
type Client struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*ServerTool
}

// NewClient starts the MCP server subprocess, connects, and discovers
// the tools it provides.
func NewClient(ctx context.Context, name, command string, args []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "turtle", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &Client{
		Name:  name,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*ServerTool),
	}

	params := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, params)
		if err != nil {
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range toolList.Tools {
			client.tools[t.Name] = &ServerTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				schema:      convertSchema(t.InputSchema),
				client:      client,
			}
		}
		if toolList.NextCursor == "" {
			break
		}
		params.Cursor = toolList.NextCursor
	}
	return client, nil
}

// Tools returns the discovered tools.
func (c *Client) Tools() []*ServerTool {
	out := make([]*ServerTool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

// ServerTool is a tool served by an external MCP server. Remote tools
// are treated as mutating: the server's side effects are opaque to us.
type ServerTool struct {
	serverName  string
	toolName    string
	description string
	schema      *tools.Schema
	client      *Client
}

func (t *ServerTool) Name() string          { return t.toolName }
func (t *ServerTool) Description() string   { return t.description }
func (t *ServerTool) Safety() tools.Safety  { return tools.SafetyMutating }
func (t *ServerTool) Schema() *tools.Schema { return t.schema }

// Run forwards the call to the MCP server and concatenates the text
// content of the reply.
func (t *ServerTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on server '%s'", t.toolName, t.serverName)
	}
	op := ""
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			op += text.Text
		}
	}
	return op, nil
}

// convertSchema maps the server-declared input schema onto our schema
// subset. Unknown shapes degrade to a permissive object schema.
func convertSchema(raw any) *tools.Schema {
	data, err := json.Marshal(raw)
	if err != nil {
		return &tools.Schema{Type: "object", Properties: map[string]interface{}{}}
	}
	var schema tools.Schema
	if err := json.Unmarshal(data, &schema); err != nil || schema.Type == "" {
		return &tools.Schema{Type: "object", Properties: map[string]interface{}{}}
	}
	if schema.Properties == nil {
		schema.Properties = map[string]interface{}{}
	}
	return &schema
}
