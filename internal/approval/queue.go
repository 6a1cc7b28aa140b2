package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tkingovr/txguard/api"
)

// ErrNotFound is returned when resolving an unknown request.
var ErrNotFound = errors.New("review request not found")

// Queue manages pending review requests.
type Queue struct {
	mu       sync.RWMutex
	requests map[string]*Request
	timeout  time.Duration
	nextID   int

	// Subscribers for real-time updates
	subMu   sync.RWMutex
	subs    map[int]chan *Request
	nextSub int
}

// NewQueue creates a review queue. A request nobody decides within timeout
// is denied.
func NewQueue(timeout time.Duration) *Queue {
	return &Queue{
		requests: make(map[string]*Request),
		timeout:  timeout,
		subs:     make(map[int]chan *Request),
	}
}

// Submit queues rec for review and blocks until it is approved, denied, times
// out or ctx ends. Only an explicit approval returns true.
func (q *Queue) Submit(ctx context.Context, rec *api.AttestationRecord) (bool, error) {
	req := q.enqueue(rec)
	q.notifySubscribers(req)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-req.Wait():
	case <-timer.C:
		q.expire(req, StatusTimedOut)
	case <-ctx.Done():
		q.expire(req, StatusCanceled)
		q.mu.RLock()
		defer q.mu.RUnlock()
		if req.Status == StatusApproved {
			return true, nil
		}
		return false, ctx.Err()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	return req.Status == StatusApproved, nil
}

func (q *Queue) enqueue(rec *api.AttestationRecord) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	t := rec.Transcript
	req := &Request{
		ID:          fmt.Sprintf("review-%d", q.nextID),
		CreatedAt:   time.Now(),
		Digest:      rec.Digest,
		Intent:      t.Request.Intent,
		ChainID:     t.Request.Transaction.ChainID,
		To:          t.Request.Transaction.To,
		Action:      rec.Action(),
		Disposition: t.Verdict.Disposition,
		Rationale:   t.Verdict.Rationale,
		Status:      StatusPending,
		seq:         q.nextID,
		done:        make(chan struct{}),
	}
	q.requests[req.ID] = req
	return req
}

// expire resolves req with status unless a decision got there first.
func (q *Queue) expire(req *Request, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.Status != StatusPending {
		return
	}
	req.Status = status
	now := time.Now()
	req.DecidedAt = &now
	close(req.done)
}

// Approve marks a request as approved.
func (q *Queue) Approve(id string) error {
	return q.resolve(id, StatusApproved)
}

// Deny marks a request as denied.
func (q *Queue) Deny(id string) error {
	return q.resolve(id, StatusDenied)
}

func (q *Queue) resolve(id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("review request %q already resolved: %s", id, req.Status)
	}

	req.Status = status
	now := time.Now()
	req.DecidedAt = &now
	close(req.done)
	return nil
}

// Pending returns pending requests, oldest first.
func (q *Queue) Pending() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*Request
	for _, req := range q.requests {
		if req.Status == StatusPending {
			pending = append(pending, snapshot(req))
		}
	}
	sortByID(pending)
	return pending
}

// All returns every request seen, oldest first.
func (q *Queue) All() []*Request {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]*Request, 0, len(q.requests))
	for _, req := range q.requests {
		all = append(all, snapshot(req))
	}
	sortByID(all)
	return all
}

// snapshot copies req so callers can read it without the lock.
func snapshot(req *Request) *Request {
	c := *req
	c.done = nil
	return &c
}

func sortByID(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].seq < reqs[j].seq })
}

// Subscribe returns a channel that receives new review requests.
func (q *Queue) Subscribe() (<-chan *Request, func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan *Request, 50)
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch

	cancel := func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		if _, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

func (q *Queue) notifySubscribers(req *Request) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	s := snapshot(req)
	for _, ch := range q.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
