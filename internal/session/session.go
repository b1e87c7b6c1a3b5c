// Package session holds the persisted state of one analysis session and
// the per-session locking that serializes every mutation of it.
//
// A session is keyed by (owner, session id) and tracks which camera views
// have completed inference, the session status state machine, and the final
// combined result. It is the single source of truth the dispatch
// coordinator, the cancellation hook, and the status API synchronize
// against.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/posturelab/posture-pipeline/internal/aggregate"
	"github.com/posturelab/posture-pipeline/internal/inference"
)

// Status is the session state machine:
//
//	pending → in_progress → completed | failed
//
// cancelled is reachable from pending and in_progress. completed, failed,
// and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further dispatch work may happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ViewRecord is one completed view's result plus the object it came from.
// ObjectKey is kept so duplicate deliveries can be told apart from
// conflicting re-uploads.
type ViewRecord struct {
	Result      *inference.ViewResult `json:"result" dynamodbav:"result"`
	ObjectKey   string                `json:"objectKey" dynamodbav:"objectKey"`
	CompletedAt time.Time             `json:"completedAt" dynamodbav:"completedAt"`
}

// Session is the unit of orchestration.
type Session struct {
	OwnerID   string `json:"ownerId" dynamodbav:"-"`
	SessionID string `json:"sessionId" dynamodbav:"-"`
	ModelName string `json:"modelName" dynamodbav:"modelName"`

	ExpectedViews []string              `json:"expectedViews" dynamodbav:"expectedViews"`
	ReceivedViews map[string]ViewRecord `json:"receivedViews,omitempty" dynamodbav:"receivedViews,omitempty"`

	// ViewAttempts counts adapter attempts per view, for observability and
	// the retry API. It survives across events for the same view.
	ViewAttempts map[string]int `json:"viewAttempts,omitempty" dynamodbav:"viewAttempts,omitempty"`

	Status   Status `json:"status" dynamodbav:"status"`
	Progress int    `json:"progress" dynamodbav:"progress"`

	CombinedResult *aggregate.CombinedResult `json:"combinedResult,omitempty" dynamodbav:"combinedResult,omitempty"`
	Feedback       string                    `json:"feedback,omitempty" dynamodbav:"feedback,omitempty"`

	// Error holds the failure description when Status is failed.
	Error string `json:"error,omitempty" dynamodbav:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// New creates a pending session.
func New(ownerID, sessionID, modelName string, expectedViews []string) *Session {
	now := time.Now().UTC()
	return &Session{
		OwnerID:       ownerID,
		SessionID:     sessionID,
		ModelName:     modelName,
		ExpectedViews: append([]string(nil), expectedViews...),
		ReceivedViews: make(map[string]ViewRecord),
		ViewAttempts:  make(map[string]int),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Expects reports whether view belongs to the session's declared view set.
func (s *Session) Expects(view string) bool {
	for _, v := range s.ExpectedViews {
		if v == view {
			return true
		}
	}
	return false
}

// HasView reports whether the view's inference already completed.
func (s *Session) HasView(view string) bool {
	_, ok := s.ReceivedViews[view]
	return ok
}

// ViewObjectKey returns the object key recorded for an already-completed
// view, for duplicate-delivery identity checks.
func (s *Session) ViewObjectKey(view string) string {
	return s.ReceivedViews[view].ObjectKey
}

// RecordView stores a completed view result and advances progress. A
// pending session moves to in_progress. Recording a view outside the
// expected set or on a terminal session is a programming error.
func (s *Session) RecordView(view, objectKey string, result *inference.ViewResult) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s/%s: record view on terminal status %s", s.OwnerID, s.SessionID, s.Status)
	}
	if !s.Expects(view) {
		return fmt.Errorf("session %s/%s: view %q not in expected set %v", s.OwnerID, s.SessionID, view, s.ExpectedViews)
	}
	if s.ReceivedViews == nil {
		s.ReceivedViews = make(map[string]ViewRecord)
	}
	s.ReceivedViews[view] = ViewRecord{
		Result:      result,
		ObjectKey:   objectKey,
		CompletedAt: time.Now().UTC(),
	}
	s.Status = StatusInProgress
	s.recomputeProgress()
	s.touch()
	return nil
}

// AddAttempt bumps the attempt counter for a view and returns the total.
func (s *Session) AddAttempt(view string) int {
	if s.ViewAttempts == nil {
		s.ViewAttempts = make(map[string]int)
	}
	s.ViewAttempts[view]++
	return s.ViewAttempts[view]
}

// Complete reports whether every expected view has a recorded result.
func (s *Session) Complete() bool {
	for _, v := range s.ExpectedViews {
		if !s.HasView(v) {
			return false
		}
	}
	return len(s.ExpectedViews) > 0
}

// ViewResults adapts ReceivedViews to the aggregator's input shape.
func (s *Session) ViewResults() map[string]*inference.ViewResult {
	out := make(map[string]*inference.ViewResult, len(s.ReceivedViews))
	for view, rec := range s.ReceivedViews {
		out[view] = rec.Result
	}
	return out
}

// MarkCompleted finalizes a fully received session. Progress snaps to
// exactly 100 on this transition only.
func (s *Session) MarkCompleted(combined aggregate.CombinedResult, feedback string) error {
	if !s.Complete() {
		return fmt.Errorf("session %s/%s: completion with views %d/%d",
			s.OwnerID, s.SessionID, len(s.ReceivedViews), len(s.ExpectedViews))
	}
	s.CombinedResult = &combined
	s.Feedback = feedback
	s.Status = StatusCompleted
	s.Progress = 100
	s.touch()
	return nil
}

// MarkFailed moves the session to failed. Received views are retained;
// the combined result stays absent.
func (s *Session) MarkFailed(reason string) {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusFailed
	s.Error = reason
	s.touch()
}

// MarkCancelled moves a non-terminal session to cancelled. Safe to call
// from both the cancellation hook and the coordinator; the second call is a
// no-op.
func (s *Session) MarkCancelled() {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusCancelled
	s.touch()
}

// Reset returns a failed session to pending with its views, attempts, and
// error cleared, for the external re-attempt action.
func (s *Session) Reset() error {
	if s.Status != StatusFailed {
		return fmt.Errorf("session %s/%s: reset from status %s", s.OwnerID, s.SessionID, s.Status)
	}
	s.ReceivedViews = make(map[string]ViewRecord)
	s.ViewAttempts = make(map[string]int)
	s.CombinedResult = nil
	s.Feedback = ""
	s.Error = ""
	s.Status = StatusPending
	s.Progress = 0
	s.touch()
	return nil
}

// recomputeProgress floors to 100 * received / expected. The exact value
// 100 is reserved for the completed transition.
func (s *Session) recomputeProgress() {
	if len(s.ExpectedViews) == 0 {
		return
	}
	p := 100 * len(s.ReceivedViews) / len(s.ExpectedViews)
	if p >= 100 && s.Status != StatusCompleted {
		p = 99
	}
	if p > s.Progress {
		s.Progress = p
	}
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone deep-copies the session so readers outside the lock never see a
// half-written record.
func (s *Session) Clone() *Session {
	cp := *s
	cp.ExpectedViews = append([]string(nil), s.ExpectedViews...)
	cp.ReceivedViews = make(map[string]ViewRecord, len(s.ReceivedViews))
	for k, v := range s.ReceivedViews {
		rec := v
		if v.Result != nil {
			r := *v.Result
			rec.Result = &r
		}
		cp.ReceivedViews[k] = rec
	}
	cp.ViewAttempts = make(map[string]int, len(s.ViewAttempts))
	for k, v := range s.ViewAttempts {
		cp.ViewAttempts[k] = v
	}
	if s.CombinedResult != nil {
		cr := *s.CombinedResult
		cr.Views = make(map[string]aggregate.ViewSummary, len(s.CombinedResult.Views))
		for k, v := range s.CombinedResult.Views {
			cr.Views[k] = v
		}
		cp.CombinedResult = &cr
	}
	return &cp
}

// StatusView is the snapshot served to status queries.
type StatusView struct {
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	CombinedResult json.RawMessage `json:"combined_result,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// StatusSnapshot renders the client-facing view of the session.
func (s *Session) StatusSnapshot() (StatusView, error) {
	view := StatusView{
		Status:   s.Status,
		Progress: s.Progress,
		Feedback: s.Feedback,
		Error:    s.Error,
	}
	if s.Status == StatusCompleted && s.CombinedResult != nil {
		raw, err := json.Marshal(s.CombinedResult)
		if err != nil {
			return StatusView{}, fmt.Errorf("marshal combined result: %w", err)
		}
		view.CombinedResult = raw
	}
	return view, nil
}
