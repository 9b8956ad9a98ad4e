package permission

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hotaru-run/hotaru/internal/event"
)

// Question represents a free-form question posed to the user: either a
// multiple-choice pick from Options, or a custom-text answer when Options
// is empty.
type Question struct {
	ID        string
	SessionID string
	Title     string
	Options   []string
}

// QuestionAnswer is the user's reply to a pending Question.
type QuestionAnswer struct {
	RequestID string
	Answer    string
	Rejected  bool
}

type pendingQuestion struct {
	id        string
	sessionID string
	respCh    chan QuestionAnswer
}

// QuestionBroker mirrors Checker's ask/await/reply shape for free-form
// questions: Ask publishes question.asked and suspends on an awaiter; Reply
// or Reject resumes it.
type QuestionBroker struct {
	mu      sync.RWMutex
	pending map[string]*pendingQuestion
}

// NewQuestionBroker creates a new question broker.
func NewQuestionBroker() *QuestionBroker {
	return &QuestionBroker{pending: make(map[string]*pendingQuestion)}
}

// Ask publishes a question.asked event and blocks until Reply, Reject, or
// ctx cancellation resolves it.
func (b *QuestionBroker) Ask(ctx context.Context, q Question) (string, error) {
	if q.ID == "" {
		q.ID = ulid.Make().String()
	}

	pq := &pendingQuestion{id: q.ID, sessionID: q.SessionID, respCh: make(chan QuestionAnswer, 1)}
	b.mu.Lock()
	b.pending[q.ID] = pq
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, q.ID)
		b.mu.Unlock()
	}()

	event.Publish(event.Event{
		Type: event.QuestionAsked,
		Data: event.QuestionAskedData{RequestID: q.ID, SessionID: q.SessionID, Title: q.Title, Options: q.Options},
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ans := <-pq.respCh:
		if ans.Rejected {
			return "", &RejectedError{SessionID: q.SessionID, Message: "Question rejected by user"}
		}
		return ans.Answer, nil
	}
}

// Reply resolves a pending question with answer.
func (b *QuestionBroker) Reply(requestID, answer string) {
	b.mu.RLock()
	pq, ok := b.pending[requestID]
	b.mu.RUnlock()
	if ok {
		pq.respCh <- QuestionAnswer{RequestID: requestID, Answer: answer}
	}
	event.Publish(event.Event{
		Type: event.QuestionReplied,
		Data: event.QuestionRepliedData{RequestID: requestID, Answer: answer},
	})
}

// Reject resolves a pending question as rejected.
func (b *QuestionBroker) Reject(requestID string) {
	b.mu.RLock()
	pq, ok := b.pending[requestID]
	b.mu.RUnlock()
	if ok {
		pq.respCh <- QuestionAnswer{RequestID: requestID, Rejected: true}
	}
	event.Publish(event.Event{
		Type: event.QuestionRejected,
		Data: event.QuestionRejectedData{RequestID: requestID},
	})
}

// Shutdown rejects every question still awaiting a reply so callers blocked
// in Ask unblock instead of hanging past process shutdown.
func (b *QuestionBroker) Shutdown() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.Reject(id)
	}
}
