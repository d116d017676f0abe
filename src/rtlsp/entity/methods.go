package entity

import "go.lsp.dev/protocol"

// Vendor and protocol methods without a constant in go.lsp.dev/protocol.
const (
	MethodCancelRequest       = "$/cancelRequest"
	MethodWorkspaceSymbol     = "workspace/symbol"
	MethodWatchmanFileChange  = "sorbet/watchmanFileChange"
	MethodWatchmanExit        = "sorbet/watchmanExit"
	MethodShowOperation       = "sorbet/showOperation"
	MethodPause               = "__PAUSE__"
	MethodResume              = "__RESUME__"
)

// MethodInfo describes how the dispatcher treats a method tag.
type MethodInfo struct {
	Method          string
	Notification    bool
	ServerInitiated bool
	Supported       bool
}

var _methods = map[string]MethodInfo{
	protocol.MethodInitialize:                      {Method: protocol.MethodInitialize, Supported: true},
	protocol.MethodShutdown:                        {Method: protocol.MethodShutdown, Supported: true},
	protocol.MethodTextDocumentDocumentSymbol:      {Method: protocol.MethodTextDocumentDocumentSymbol, Supported: true},
	protocol.MethodTextDocumentDefinition:          {Method: protocol.MethodTextDocumentDefinition, Supported: true},
	protocol.MethodTextDocumentHover:               {Method: protocol.MethodTextDocumentHover, Supported: true},
	protocol.MethodTextDocumentCompletion:          {Method: protocol.MethodTextDocumentCompletion, Supported: true},
	protocol.MethodTextDocumentSignatureHelp:       {Method: protocol.MethodTextDocumentSignatureHelp, Supported: true},
	protocol.MethodTextDocumentReferences:          {Method: protocol.MethodTextDocumentReferences, Supported: true},
	MethodWorkspaceSymbol:                          {Method: MethodWorkspaceSymbol, Supported: true},
	protocol.MethodInitialized:                     {Method: protocol.MethodInitialized, Notification: true, Supported: true},
	protocol.MethodExit:                            {Method: protocol.MethodExit, Notification: true, Supported: true},
	MethodCancelRequest:                            {Method: MethodCancelRequest, Notification: true, Supported: true},
	protocol.MethodWorkspaceDidChangeWatchedFiles:  {Method: protocol.MethodWorkspaceDidChangeWatchedFiles, Notification: true, Supported: true},
	protocol.MethodTextDocumentDidOpen:             {Method: protocol.MethodTextDocumentDidOpen, Notification: true, Supported: true},
	protocol.MethodTextDocumentDidChange:           {Method: protocol.MethodTextDocumentDidChange, Notification: true, Supported: true},
	protocol.MethodTextDocumentDidClose:            {Method: protocol.MethodTextDocumentDidClose, Notification: true, Supported: true},
	MethodWatchmanFileChange:                       {Method: MethodWatchmanFileChange, Notification: true, Supported: true},
	MethodWatchmanExit:                             {Method: MethodWatchmanExit, Notification: true, Supported: true},
	MethodPause:                                    {Method: MethodPause, Notification: true, Supported: true},
	MethodResume:                                   {Method: MethodResume, Notification: true, Supported: true},
	protocol.MethodTextDocumentPublishDiagnostics:  {Method: protocol.MethodTextDocumentPublishDiagnostics, Notification: true, ServerInitiated: true, Supported: true},
	protocol.MethodWindowShowMessage:               {Method: protocol.MethodWindowShowMessage, Notification: true, ServerInitiated: true, Supported: true},
	MethodShowOperation:                            {Method: MethodShowOperation, Notification: true, ServerInitiated: true, Supported: true},
	protocol.MethodClientRegisterCapability:        {Method: protocol.MethodClientRegisterCapability, ServerInitiated: true, Supported: true},
	protocol.MethodClientUnregisterCapability:      {Method: protocol.MethodClientUnregisterCapability, ServerInitiated: true, Supported: true},
}

// LookupMethod resolves a wire method tag against the registry.
func LookupMethod(method string) (MethodInfo, bool) {
	info, ok := _methods[method]
	return info, ok
}
