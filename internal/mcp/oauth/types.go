// Package oauth implements the PKCE authorization-code flow MCP remote
// servers use, plus the loopback callback server and token persistence that
// back it.
package oauth

import (
	"golang.org/x/oauth2"
)

// Status mirrors an MCP server's connection status as seen by the OAuth
// layer; StatusConnected/StatusDisabled/StatusFailed are shared with the
// plain mcp.Status enum, the remaining two are OAuth-specific.
type Status string

const (
	StatusConnected               Status = "connected"
	StatusDisabled                Status = "disabled"
	StatusFailed                  Status = "failed"
	StatusNeedsAuth               Status = "needs_auth"
	StatusNeedsClientRegistration Status = "needs_client_registration"
)

// ServerAuth is the persisted OAuth state for one MCP server: its bound
// server URL (tokens are invalidated if the server is reconfigured to a
// different URL), any dynamically registered client credentials, and the
// current token set.
type ServerAuth struct {
	ServerURL    string        `json:"serverURL"`
	ClientID     string        `json:"clientID,omitempty"`
	ClientSecret string        `json:"clientSecret,omitempty"`
	Token        *oauth2.Token `json:"token,omitempty"`
}

// authFile is the on-disk shape of mcp-auth.json: a flat map from server
// name to its persisted auth state.
type authFile struct {
	Servers map[string]*ServerAuth `json:"servers"`
}
