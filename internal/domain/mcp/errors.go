// Package mcp provides the JSON-RPC and tool-description types spoken by the
// stdio tool server.
package mcp

import "errors"

// Protocol errors.
var (
	// ErrToolNotFound indicates the requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidToolName indicates the tool name format is invalid.
	ErrInvalidToolName = errors.New("invalid tool name format")

	// ErrInvalidRequest indicates a message that is not a valid JSON-RPC request.
	ErrInvalidRequest = errors.New("invalid json-rpc request")

	// ErrNotInitialized indicates a call made before the initialize handshake.
	ErrNotInitialized = errors.New("session not initialized")
)
