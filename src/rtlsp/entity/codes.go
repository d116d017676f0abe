package entity

import "go.lsp.dev/jsonrpc2"

// JSON-RPC error codes in the LSP extension range. The base range
// (ParseError through InternalError) comes from the jsonrpc2 package.
const (
	CodeServerNotInitialized jsonrpc2.Code = -32002
	CodeUnknownError         jsonrpc2.Code = -32001
	CodeRequestCancelled     jsonrpc2.Code = -32800
)
