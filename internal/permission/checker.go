package permission

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hotaru-run/hotaru/internal/event"
)

// PendingPermission is a permission request awaiting a user reply. It lives
// in Checker.pending from the moment Ask suspends the caller until a
// Respond call resolves it (directly, via sticky-approval auto-resume, or
// via a sibling's reject cascading across the session).
type PendingPermission struct {
	RequestID      string
	SessionID      string
	Permission     PermissionType
	Patterns       []string
	AlwaysPatterns []string
	Metadata       map[string]any
	respCh         chan Response
}

// Checker handles permission checks and approvals.
type Checker struct {
	mu       sync.RWMutex
	approved map[string]map[PermissionType]bool // sessionID -> type -> approved
	patterns map[string]map[string]bool         // sessionID -> pattern -> approved
	pending  map[string]*PendingPermission       // requestID -> pending
	sessions map[string]map[string]bool          // sessionID -> requestID set, for cascade/sibling scans
}

// NewChecker creates a new permission checker.
func NewChecker() *Checker {
	return &Checker{
		approved: make(map[string]map[PermissionType]bool),
		patterns: make(map[string]map[string]bool),
		pending:  make(map[string]*PendingPermission),
		sessions: make(map[string]map[string]bool),
	}
}

// Check performs a permission check based on action configuration.
func (c *Checker) Check(ctx context.Context, req Request, action PermissionAction) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{
			SessionID: req.SessionID,
			Type:      req.Type,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "Permission denied by configuration",
		}
	case ActionAsk:
		return c.Ask(ctx, req)
	}
	return nil
}

// Ask prompts the user for permission, short-circuiting when the session
// already has a blanket approval for req.Type, or when every one of
// req.Pattern is individually approved.
func (c *Checker) Ask(ctx context.Context, req Request) error {
	c.mu.RLock()
	if sessionApprovals, ok := c.approved[req.SessionID]; ok && sessionApprovals[req.Type] {
		c.mu.RUnlock()
		return nil
	}
	if len(req.Pattern) > 0 {
		if sessionPatterns, ok := c.patterns[req.SessionID]; ok {
			allApproved := true
			for _, p := range req.Pattern {
				if !sessionPatterns[p] {
					allApproved = false
					break
				}
			}
			if allApproved {
				c.mu.RUnlock()
				return nil
			}
		}
	}
	c.mu.RUnlock()

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	pp := &PendingPermission{
		RequestID:      req.ID,
		SessionID:      req.SessionID,
		Permission:     req.Type,
		Patterns:       req.Pattern,
		AlwaysPatterns: req.Pattern,
		Metadata:       req.Metadata,
		respCh:         make(chan Response, 1),
	}

	c.mu.Lock()
	c.pending[req.ID] = pp
	if c.sessions[req.SessionID] == nil {
		c.sessions[req.SessionID] = make(map[string]bool)
	}
	c.sessions[req.SessionID][req.ID] = true
	c.mu.Unlock()

	defer c.removePending(req.ID)

	event.Publish(event.Event{
		Type: event.PermissionRequired,
		Data: event.PermissionRequiredData{
			ID:             req.ID,
			SessionID:      req.SessionID,
			PermissionType: string(req.Type),
			Pattern:        req.Pattern,
			Title:          req.Title,
		},
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-pp.respCh:
		switch resp.Action {
		case "once":
			return nil
		case "always":
			c.approve(req.SessionID, req.Type, pp.AlwaysPatterns)
			c.resumeResolvedSiblings(req.SessionID)
			return nil
		case "reject":
			return &RejectedError{
				SessionID: req.SessionID,
				Type:      req.Type,
				CallID:    req.CallID,
				Metadata:  req.Metadata,
				Message:   "Permission rejected by user",
			}
		}
	}
	return nil
}

// Shutdown rejects every permission request still pending so callers
// blocked in Ask unblock instead of hanging past process shutdown.
func (c *Checker) Shutdown() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.Respond(id, "reject")
	}
}

func (c *Checker) removePending(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pp, ok := c.pending[requestID]
	if !ok {
		return
	}
	delete(c.pending, requestID)
	if set, ok := c.sessions[pp.SessionID]; ok {
		delete(set, requestID)
		if len(set) == 0 {
			delete(c.sessions, pp.SessionID)
		}
	}
}

// Respond handles a user's response to a permission request. A "reject"
// answer also rejects every other request still pending for the same
// session, so a user who says no to one step of a tool chain doesn't get
// prompted again for the rest of it.
func (c *Checker) Respond(requestID string, action string) {
	c.mu.RLock()
	pp, ok := c.pending[requestID]
	c.mu.RUnlock()

	if ok {
		pp.respCh <- Response{RequestID: requestID, Action: action}
	}

	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{
			ID:      requestID,
			Granted: action != "reject",
		},
	})

	if ok && action == "reject" {
		c.rejectSiblings(pp.SessionID, requestID)
	}
}

// rejectSiblings resolves every pending request for sessionID other than
// exclude with a "reject" action.
func (c *Checker) rejectSiblings(sessionID, exclude string) {
	c.mu.RLock()
	siblingIDs := make([]string, 0, len(c.sessions[sessionID]))
	for id := range c.sessions[sessionID] {
		if id != exclude {
			siblingIDs = append(siblingIDs, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range siblingIDs {
		c.mu.RLock()
		pp, ok := c.pending[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		select {
		case pp.respCh <- Response{RequestID: id, Action: "reject"}:
		default:
		}
		event.Publish(event.Event{
			Type: event.PermissionResolved,
			Data: event.PermissionResolvedData{ID: id, SessionID: sessionID, Granted: false},
		})
	}
}

// resumeResolvedSiblings scans every still-pending request for sessionID
// and auto-resolves ("once") any whose type and patterns are now fully
// approved after a fresh "always" answer.
func (c *Checker) resumeResolvedSiblings(sessionID string) {
	c.mu.RLock()
	siblingIDs := make([]string, 0, len(c.sessions[sessionID]))
	for id := range c.sessions[sessionID] {
		siblingIDs = append(siblingIDs, id)
	}
	c.mu.RUnlock()

	for _, id := range siblingIDs {
		c.mu.RLock()
		pp, ok := c.pending[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if !c.IsApproved(sessionID, pp.Permission) && !c.allPatternsApproved(sessionID, pp.Patterns) {
			continue
		}
		select {
		case pp.respCh <- Response{RequestID: id, Action: "once"}:
		default:
		}
	}
}

func (c *Checker) allPatternsApproved(sessionID string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessionPatterns, ok := c.patterns[sessionID]
	if !ok {
		return false
	}
	for _, p := range patterns {
		if !sessionPatterns[p] {
			return false
		}
	}
	return true
}

// approve marks a permission type and patterns as approved for a session.
func (c *Checker) approve(sessionID string, permType PermissionType, patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[PermissionType]bool)
	}
	c.approved[sessionID][permType] = true

	if len(patterns) > 0 {
		if c.patterns[sessionID] == nil {
			c.patterns[sessionID] = make(map[string]bool)
		}
		for _, p := range patterns {
			c.patterns[sessionID][p] = true
		}
	}
}

// IsApproved checks if a permission type is already approved.
func (c *Checker) IsApproved(sessionID string, permType PermissionType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sessionApprovals, ok := c.approved[sessionID]; ok {
		return sessionApprovals[permType]
	}
	return false
}

// IsPatternApproved checks if a specific pattern is approved.
func (c *Checker) IsPatternApproved(sessionID string, pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sessionPatterns, ok := c.patterns[sessionID]; ok {
		return sessionPatterns[pattern]
	}
	return false
}

// ClearSession clears all approvals for a session.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
	delete(c.patterns, sessionID)
}

// ApprovePattern explicitly approves a pattern for a session.
func (c *Checker) ApprovePattern(sessionID string, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.patterns[sessionID] == nil {
		c.patterns[sessionID] = make(map[string]bool)
	}
	c.patterns[sessionID][pattern] = true
}
