package toolconn

import (
	"encoding/json"
	"fmt"
	"time"
)

const protocolVersion = "2024-11-05"

// rpcRequest is an outbound JSON-RPC 2.0 message.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an inbound JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// codeUnauthorized is the provider's rejection of the pre-shared token.
const codeUnauthorized = -32001

// toolCallResult is the provider's tools/call payload: text content blocks
// plus an error flag.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Tool identifies a capability exposed by the remote provider. The catalog
// is closed: names outside it are rejected before reaching the wire.
type Tool string

const (
	ToolQuickScan       Tool = "quick_scan"
	ToolVulnScan        Tool = "vulnerability_scan"
	ToolBlockAddress    Tool = "block_address"
	ToolUnblockAddress  Tool = "unblock_address"
	ToolGetFailedLogins Tool = "get_failed_logins"
	ToolGetSystemHealth Tool = "get_system_health"
	ToolRestartService  Tool = "restart_service"
)

// defaultTimeouts pick per-tool invoke deadlines: seconds for simple host
// commands and quick scans, minutes for the comprehensive scan.
var defaultTimeouts = map[Tool]time.Duration{
	ToolQuickScan:       45 * time.Second,
	ToolVulnScan:        10 * time.Minute,
	ToolBlockAddress:    15 * time.Second,
	ToolUnblockAddress:  15 * time.Second,
	ToolGetFailedLogins: 15 * time.Second,
	ToolGetSystemHealth: 10 * time.Second,
	ToolRestartService:  30 * time.Second,
}

// Call is a single tool invocation request.
type Call struct {
	Tool Tool
	Args map[string]any

	// Timeout overrides the tool's default invoke deadline when non-zero.
	Timeout time.Duration
}

// validate checks the call against the catalog and fills the timeout.
func (c *Call) validate() error {
	d, known := defaultTimeouts[c.Tool]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownTool, c.Tool)
	}
	if c.Timeout == 0 {
		c.Timeout = d
	}
	return nil
}

// QuickScan builds a quick_scan call for the given target address.
func QuickScan(target string) Call {
	return Call{Tool: ToolQuickScan, Args: map[string]any{"target_ip": target}}
}

// VulnScan builds a vulnerability_scan call for the given target address.
func VulnScan(target string) Call {
	return Call{Tool: ToolVulnScan, Args: map[string]any{"target_ip": target}}
}

// BlockAddress builds a block_address call with an audit reason.
func BlockAddress(addr, reason string) Call {
	return Call{Tool: ToolBlockAddress, Args: map[string]any{"ip_address": addr, "reason": reason}}
}

// UnblockAddress builds an unblock_address call.
func UnblockAddress(addr string) Call {
	return Call{Tool: ToolUnblockAddress, Args: map[string]any{"ip_address": addr}}
}

// FailedLogins builds a get_failed_logins call over the trailing hours.
func FailedLogins(hours int) Call {
	return Call{Tool: ToolGetFailedLogins, Args: map[string]any{"hours": hours}}
}

// SystemHealth builds a get_system_health call.
func SystemHealth() Call {
	return Call{Tool: ToolGetSystemHealth, Args: map[string]any{}}
}

// RestartService builds a restart_service call.
func RestartService(name string) Call {
	return Call{Tool: ToolRestartService, Args: map[string]any{"service_name": name}}
}

// InvocationResult is the outcome of one Invoke, produced even on failure so
// every attempt is auditable.
type InvocationResult struct {
	Tool     Tool          `json:"tool_name"`
	Success  bool          `json:"success"`
	Payload  string        `json:"payload,omitempty"`
	Err      string        `json:"error,omitempty"`
	Degraded bool          `json:"degraded,omitempty"` // session was degraded when invoked
	Duration time.Duration `json:"duration"`
}
