package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/hotaru-run/hotaru/internal/event"
	"github.com/hotaru-run/hotaru/internal/logging"
)

const (
	// CallbackPort is fixed so the redirect URI registered with remote
	// servers never changes across runs.
	CallbackPort = 19876
	CallbackPath = "/mcp/oauth/callback"
)

// pendingAuth tracks one in-flight authorization-code request, keyed by its
// random state so the callback can find it and nothing else can forge a
// match.
type pendingAuth struct {
	serverName string
	verifier   string
	resultCh   chan authResult
}

type authResult struct {
	code string
	err  error
}

// Manager owns the loopback callback server and the set of in-flight
// authorizations across every MCP server configured for OAuth.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingAuth
	srv     *http.Server
	started bool
	// portLost is set once EnsureCallbackServer fails to bind; the
	// callback port is never retried for the rest of the process.
	portLost bool
}

// NewManager creates an OAuth manager with no callback server started yet.
func NewManager() *Manager {
	return &Manager{pending: make(map[string]*pendingAuth)}
}

// EnsureCallbackServer idempotently starts the loopback HTTP server. If the
// port is already bound by another instance of this application, the
// manager rides that instance's callback store instead of retrying: this
// call never attempts the bind again afterward.
func (m *Manager) EnsureCallbackServer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.portLost {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", CallbackPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.portLost = true
		if errors.Is(err, syscall.EADDRINUSE) {
			logging.Warn().Str("addr", addr).Msg("mcp/oauth: callback port already bound, relying on that instance's listener")
			return nil
		}
		return fmt.Errorf("mcp/oauth: listen %s: %w", addr, err)
	}

	mux := chi.NewRouter()
	mux.Get(CallbackPath, m.handleCallback)
	m.srv = &http.Server{Handler: mux}
	m.started = true

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn().Err(err).Msg("mcp/oauth: callback server stopped")
		}
	}()

	return nil
}

// Shutdown stops the callback server if this manager started it.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	srv := m.srv
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleCallback answers the OAuth redirect. A missing or unknown state is
// CSRF hardening: it resolves nothing and the browser sees a 400.
func (m *Manager) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	m.mu.Lock()
	pending, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()

	if state == "" || !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if msg := r.URL.Query().Get("error"); msg != "" {
		pending.resultCh <- authResult{err: fmt.Errorf("mcp/oauth: authorization denied: %s", msg)}
		fmt.Fprintln(w, "Authorization failed, you may close this window.")
		return
	}

	pending.resultCh <- authResult{code: r.URL.Query().Get("code")}
	fmt.Fprintln(w, "Authentication complete, you may close this window.")
}

// StartAuth generates a PKCE verifier and random state for serverName and
// builds the authorization URL the user should visit. The state is
// registered in the pending-auths map so the callback can resolve it later.
func (m *Manager) StartAuth(serverName string, cfg *oauth2.Config) (authURL string, state string, err error) {
	verifier := oauth2.GenerateVerifier()
	state, err = randomState()
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	m.pending[state] = &pendingAuth{
		serverName: serverName,
		verifier:   verifier,
		resultCh:   make(chan authResult, 1),
	}
	m.mu.Unlock()

	authURL = cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	return authURL, state, nil
}

// Await blocks until the callback resolves state or ctx is cancelled, then
// returns the authorization code and the PKCE verifier that must accompany
// the token exchange.
func (m *Manager) Await(ctx context.Context, state string) (code string, verifier string, err error) {
	m.mu.Lock()
	pending, ok := m.pending[state]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("mcp/oauth: unknown state %q", state)
	}

	select {
	case res := <-pending.resultCh:
		if res.err != nil {
			return "", "", res.err
		}
		return res.code, pending.verifier, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, state)
		m.mu.Unlock()
		return "", "", ctx.Err()
	}
}

// Exchange trades an authorization code for tokens using the PKCE verifier
// from the matching StartAuth call.
func Exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	return cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// BrowserOpenFailed publishes the event the TUI listens for when opening
// the system browser for an authorization URL fails, so the user can copy
// the link manually.
func BrowserOpenFailed(serverName, authURL string) {
	event.Publish(event.Event{
		Type: event.MCPUpdated,
		Data: map[string]string{"server": serverName, "authURL": authURL, "reason": "browser_open_failed"},
	})
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
