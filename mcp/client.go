package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbocsi/camlink/transport"
	"github.com/mbocsi/camlink/web"
)

// MCPClient exposes the pairing status and controls as MCP tools.
type MCPClient struct {
	mcpServer *MCPServer
	ctrl      web.Controller
}

func NewMCPClient(ctrl web.Controller, mcpServer *MCPServer) *MCPClient {
	c := &MCPClient{ctrl: ctrl, mcpServer: mcpServer}
	c.registerTools()
	return c
}

// Start serves the tools over stdio.
func (m *MCPClient) Start(ctx context.Context) error {
	return m.mcpServer.Run(ctx)
}

func (m *MCPClient) registerTools() {
	statusTool := mcp.NewTool("connection_status",
		mcp.WithDescription("Report the active connection, whether the peer is connected and the motion detection state"),
	)
	m.mcpServer.AddTool(statusTool, m.handleConnectionStatus)

	toggleTool := mcp.NewTool("toggle_motion_detection",
		mcp.WithDescription("Enable or disable motion detection on the capturing device"),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("true to enable, false to disable"),
		),
	)
	m.mcpServer.AddTool(toggleTool, m.handleToggleMotion)

	switchTool := mcp.NewTool("switch_connection",
		mcp.WithDescription("Switch the transport used to reach the paired device"),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Connection type"),
			mcp.Enum(
				string(transport.Auto),
				string(transport.NetworkType),
				string(transport.PeerToPeerDirectType),
				string(transport.PeerToPeerAwareType),
				string(transport.RobustType),
			),
		),
	)
	m.mcpServer.AddTool(switchTool, m.handleSwitchConnection)
}

func (m *MCPClient) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return statusResult(m.ctrl.Status())
}

func (m *MCPClient) handleToggleMotion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required and must be a boolean"), nil
	}
	if err := m.ctrl.ToggleMotionDetection(enabled); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to toggle motion detection: %v", err)), nil
	}
	return statusResult(m.ctrl.Status())
}

func (m *MCPClient) handleSwitchConnection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required and must be a string"), nil
	}
	t, err := transport.ParseType(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := m.ctrl.SwitchConnection(ctx, t); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to switch connection: %v", err)), nil
	}
	return statusResult(m.ctrl.Status())
}

func statusResult(s web.Status) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
