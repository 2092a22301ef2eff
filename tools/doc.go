// Package tools keeps a registry of MCP tool servers.
//
// A record stores only where a server lives. Health and the server's tool
// list are probed on Register, Update and Refresh and cached on the record.
package tools
