// Package sserelay exposes a Model Context Protocol (MCP) engine over the
// HTTP+SSE transport: server-to-client messages stream as Server-Sent Events
// on a hanging GET, client-to-server messages arrive as session-addressed
// HTTP POSTs.
//
// # Organization
//
//   - github.com/localrivet/sserelay/transport/sse: the HTTP surface (SSE
//     stream, message ingress, health endpoint) and the session registry
//   - github.com/localrivet/sserelay/engine: the contract between the
//     transport and the protocol engine that runs a session
//   - github.com/localrivet/sserelay/engine/stdio: an engine adapter that
//     fronts a stdio MCP server subprocess
//   - github.com/localrivet/sserelay/cmd/sserelay: the gateway binary
//
// # Basic Usage
//
//	eng, err := stdio.New("npx", []string{"@playwright/mcp"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler := sse.NewServer(eng, sse.Options{Logger: logger})
//	http.ListenAndServe(":8000", handler)
package sserelay

// Version is the gateway version reported by the health endpoint and
// telemetry events.
const Version = "0.1.0"

// ServerName identifies this process in health responses and telemetry.
const ServerName = "sserelay"
