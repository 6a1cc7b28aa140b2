package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tkingovr/txguard/api"
)

func adviseRecord() *api.AttestationRecord {
	return &api.AttestationRecord{
		Digest: "ab12",
		Transcript: api.Transcript{
			Request: api.AuditRequest{
				Intent:      "swap 1 ETH to USDC",
				Transaction: api.Transaction{To: "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", ChainID: 1},
			},
			Verdict: api.Verdict{
				Disposition: api.DispositionAdvise,
				Rationale:   []api.Reason{{Code: "SOFT_MISMATCH", Message: "received 1.5% less USDC than quoted"}},
			},
		},
	}
}

type result struct {
	approved bool
	err      error
}

// submit runs Submit in the background and returns once the request is queued.
func submit(t *testing.T, ctx context.Context, q *Queue) (<-chan result, *Request) {
	t.Helper()
	ch, cancel := q.Subscribe()
	defer cancel()

	done := make(chan result, 1)
	go func() {
		ok, err := q.Submit(ctx, adviseRecord())
		done <- result{ok, err}
	}()

	select {
	case req := <-ch:
		return done, req
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request to be queued")
		return nil, nil
	}
}

func TestQueue_SubmitAndApprove(t *testing.T) {
	q := NewQueue(10 * time.Second)
	done, req := submit(t, context.Background(), q)

	if req.Digest != "ab12" || req.Disposition != api.DispositionAdvise || req.ChainID != 1 {
		t.Errorf("unexpected request %+v", req)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("expected 1 pending request, got %+v", pending)
	}

	if err := q.Approve(req.ID); err != nil {
		t.Fatal(err)
	}
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !res.approved {
		t.Error("expected approval")
	}
	if len(q.Pending()) != 0 {
		t.Error("approved request still pending")
	}
}

func TestQueue_SubmitAndDeny(t *testing.T) {
	q := NewQueue(10 * time.Second)
	done, req := submit(t, context.Background(), q)

	if err := q.Deny(req.ID); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res.approved || res.err != nil {
		t.Errorf("expected plain denial, got %+v", res)
	}
	all := q.All()
	if len(all) != 1 || all[0].Status != StatusDenied || all[0].DecidedAt == nil {
		t.Errorf("unexpected history %+v", all)
	}
}

func TestQueue_Timeout(t *testing.T) {
	q := NewQueue(50 * time.Millisecond)

	approved, err := q.Submit(context.Background(), adviseRecord())
	if err != nil {
		t.Fatal(err)
	}
	if approved {
		t.Error("expected denial on timeout")
	}
	if all := q.All(); all[0].Status != StatusTimedOut {
		t.Errorf("expected timed_out, got %s", all[0].Status)
	}
	if err := q.Approve(q.All()[0].ID); err == nil {
		t.Error("expected error approving an expired request")
	}
}

func TestQueue_ContextCancellation(t *testing.T) {
	q := NewQueue(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done, _ := submit(t, ctx, q)
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	if res.approved {
		t.Error("expected denial on cancel")
	}
	if all := q.All(); all[0].Status != StatusCanceled {
		t.Errorf("expected canceled, got %s", all[0].Status)
	}
}

func TestQueue_DoubleResolve(t *testing.T) {
	q := NewQueue(10 * time.Second)
	done, req := submit(t, context.Background(), q)

	if err := q.Approve(req.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Deny(req.ID); err == nil {
		t.Fatal("expected error for double resolve")
	}
	<-done
}

func TestQueue_UnknownID(t *testing.T) {
	q := NewQueue(time.Second)
	if err := q.Approve("review-42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueue_SubscribeCancelTwice(t *testing.T) {
	q := NewQueue(time.Second)
	_, cancel := q.Subscribe()
	cancel()
	cancel()
}
