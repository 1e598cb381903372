package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirhf/imageSearch/services/lookalike-go/models"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session owns the bookkeeping of one logical search or split.
type Session struct {
	id     string
	client *Client

	mu        sync.Mutex
	state     State
	startedAt time.Time
	remoteID  string
	cancel    context.CancelFunc
	parent    context.Context
}

// NewSession returns an idle session bound to c.
func (c *Client) NewSession() *Session {
	return &Session{id: uuid.NewString(), client: c}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt is zero until the session's call is issued.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// RemoteID is the service's id for this session's request, if it sent one.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

func (s *Session) setRemoteID(id string) {
	s.mu.Lock()
	s.remoteID = id
	s.mu.Unlock()
}

// Cancel stops the session. Before the call starts it makes the call fail with
// ErrRequestCancelled. While in flight it aborts the transport. Once settled
// the outcome is kept, but a known remote request is still told to stop.
func (s *Session) Cancel() {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateCancelled
		s.mu.Unlock()
	case StateInFlight:
		cancel := s.cancel
		s.mu.Unlock()
		cancel()
	case StateCompleted, StateFailed:
		remote, parent := s.remoteID, s.parent
		s.mu.Unlock()
		if remote != "" {
			s.client.dispatchNotify(parent, s, []CancelStrategy{KnownRequestStrategy{}})
		}
	default:
		s.mu.Unlock()
	}
}

// Search uploads image and returns at most resultCount results, most similar first
// as ranked by the service. resultCount <= 0 means DefaultResultCount.
func (s *Session) Search(ctx context.Context, image string, resultCount int) ([]models.SearchResultItem, error) {
	if image == "" {
		return nil, ErrEmptyImage
	}
	if resultCount <= 0 {
		resultCount = DefaultResultCount
	}

	var results []models.SearchResultItem
	err := s.run(ctx, opSearch, "/search", models.SearchRequest{Image: image, ResultCount: resultCount}, func(body []byte) error {
		payload, err := decodeSearch(body)
		if err != nil {
			return &UploadError{Op: opSearch, Message: "invalid response", Cause: err}
		}
		if payload.requestID != "" {
			s.client.recordRemoteID(s, payload.requestID)
		}
		if payload.shape == shapeCancelled {
			return ErrRequestCancelledByServer
		}
		results = payload.results
		if len(results) > resultCount {
			results = results[:resultCount]
		}
		if results == nil {
			results = []models.SearchResultItem{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Split asks the service to cut image into sub-images. Entries without an
// image are dropped, so the result may be empty.
func (s *Session) Split(ctx context.Context, image string) ([]models.Segment, error) {
	if image == "" {
		return nil, ErrEmptyImage
	}

	var segments []models.Segment
	err := s.run(ctx, opSplit, "/split", models.SplitRequest{Image: image}, func(body []byte) error {
		payload, err := decodeSplit(body)
		if err != nil {
			return &UploadError{Op: opSplit, Message: "invalid response", Cause: err}
		}
		if payload.requestID != "" {
			s.client.recordRemoteID(s, payload.requestID)
		}
		if payload.shape == shapeCancelled {
			return ErrRequestCancelledByServer
		}
		segments = payload.segments
		return nil
	})
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// run drives the session through InFlight to a final state. The session is
// untracked exactly once, on every exit path.
func (s *Session) run(ctx context.Context, op, path string, payload any, handle func([]byte) error) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	final := StateFailed
	defer func() { s.finish(final) }()

	body, err := s.client.exchange(runCtx, s, op, path, payload)
	if err != nil {
		if runCtx.Err() != nil {
			final = StateCancelled
			s.client.dispatchNotify(ctx, s, s.client.strategies)
			return cancelledError(context.Cause(runCtx))
		}
		return err
	}

	if err := handle(body); err != nil {
		if errors.Is(err, ErrRequestCancelledByServer) {
			final = StateCancelled
		}
		return err
	}
	final = StateCompleted
	return nil
}

func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
	case StateCancelled:
		return nil, ErrRequestCancelled
	default:
		return nil, ErrSessionUsed
	}
	if err := ctx.Err(); err != nil {
		s.state = StateCancelled
		return nil, cancelledError(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.parent = ctx
	s.state = StateInFlight
	s.startedAt = s.client.now()
	s.client.track(s)
	return runCtx, nil
}

func (s *Session) finish(final State) {
	s.mu.Lock()
	s.state = final
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.client.untrack(s)
}
