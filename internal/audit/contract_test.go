package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tkingovr/txguard/api"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func record(n int, disp api.Disposition, action api.ActionKind, chain uint64) *api.AttestationRecord {
	return &api.AttestationRecord{
		Digest:    fmt.Sprintf("%064x", n),
		Signature: []byte{byte(n)},
		Signer:    "ed25519:test:00",
		CreatedAt: baseTime.Add(time.Duration(n) * time.Minute),
		RequestID: fmt.Sprintf("req-%d", n),
		Transcript: api.Transcript{
			Version:     api.TranscriptVersion,
			Request:     api.AuditRequest{Intent: "test", Transaction: api.Transaction{ChainID: chain}},
			Expectation: &api.Expectation{Action: action},
			Verdict:     api.Verdict{Disposition: disp, Attempts: []int{0}},
		},
	}
}

// testStoreContract exercises the behavior every backend must share.
func testStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	records := []*api.AttestationRecord{
		record(1, api.DispositionPass, api.ActionSwap, 1),
		record(2, api.DispositionStop, api.ActionStake, 1),
		record(3, api.DispositionAdvise, api.ActionSwap, 137),
		record(4, api.DispositionStop, api.ActionSwap, 1),
	}
	records[3].Transcript.Verdict.Incomplete = true
	for _, r := range records {
		if err := store.Put(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	// Idempotent by digest
	dup := record(1, api.DispositionStop, api.ActionApprove, 10)
	if err := store.Put(ctx, dup); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, records[1].Digest)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "req-2" || got.Transcript.Verdict.Disposition != api.DispositionStop {
		t.Errorf("unexpected record: %+v", got)
	}
	got, err = store.Get(ctx, records[0].Digest)
	if err != nil {
		t.Fatal(err)
	}
	if got.Transcript.Verdict.Disposition != api.DispositionPass {
		t.Errorf("duplicate put overwrote record: %s", got.Transcript.Verdict.Disposition)
	}

	if _, err := store.Get(ctx, fmt.Sprintf("%064x", 99)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Newest first
	all, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	for i, want := range []string{"req-4", "req-3", "req-2", "req-1"} {
		if all[i].RequestID != want {
			t.Errorf("position %d: got %s, want %s", i, all[i].RequestID, want)
		}
	}

	cases := []struct {
		name   string
		filter api.QueryFilter
		want   []string
	}{
		{"disposition", api.QueryFilter{Disposition: api.DispositionStop}, []string{"req-4", "req-2"}},
		{"action", api.QueryFilter{Action: api.ActionSwap}, []string{"req-4", "req-3", "req-1"}},
		{"chain", api.QueryFilter{ChainID: 137}, []string{"req-3"}},
		{"incomplete", api.QueryFilter{IncompleteOnly: true}, []string{"req-4"}},
		{"since", api.QueryFilter{Since: baseTime.Add(2 * time.Minute)}, []string{"req-4", "req-3", "req-2"}},
		{"until", api.QueryFilter{Until: baseTime.Add(2 * time.Minute)}, []string{"req-2", "req-1"}},
		{"limit", api.QueryFilter{Limit: 2}, []string{"req-4", "req-3"}},
		{"offset", api.QueryFilter{Offset: 1, Limit: 2}, []string{"req-3", "req-2"}},
		{"offset only", api.QueryFilter{Offset: 3}, []string{"req-1"}},
		{"offset past end", api.QueryFilter{Offset: 10}, nil},
	}
	for _, tc := range cases {
		res, err := store.Query(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var ids []string
		for _, r := range res {
			ids = append(ids, r.RequestID)
		}
		if fmt.Sprint(ids) != fmt.Sprint(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, ids, tc.want)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 || stats.Pass != 1 || stats.Advise != 1 || stats.Stop != 2 || stats.Incomplete != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ByAction["swap"] != 3 || stats.ByAction["stake"] != 1 {
		t.Errorf("unexpected by_action: %v", stats.ByAction)
	}
	if stats.ByChain["1"] != 3 || stats.ByChain["137"] != 1 {
		t.Errorf("unexpected by_chain: %v", stats.ByChain)
	}
}
