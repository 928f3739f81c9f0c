package server

import "github.com/dotside-studios/storagecard-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_storagecard-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// WebSocket message types for client-server communication
const (
	WSMessageTypeSelection   = "selection"
	WSMessageTypeMemory      = "memory"
	WSMessageTypeTransaction = "transaction"
	WSMessageTypeError       = "error"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)
