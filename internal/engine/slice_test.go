package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openlistings/resosync/internal/odata"
	"github.com/openlistings/resosync/internal/resource"
	"github.com/openlistings/resosync/internal/testutil"
)

// Test Fixtures and Helpers

func testConfig() Config {
	config := DefaultConfig()
	config.BatchSize = 2
	return config
}

func testDescriptor() resource.Descriptor {
	return resource.Descriptor{
		Name:           resource.IDX,
		Endpoint:       "https://example.com/odata/Property",
		Credential:     "test-token",
		TimestampField: "ModificationTimestamp",
		ConflictKey:    []string{"ListingKey"},
		FloorDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Table:          "property",
		WindowWidth:    7 * 24 * time.Hour,
	}
}

func mediaDescriptor() resource.Descriptor {
	return resource.Descriptor{
		Name:               resource.Media,
		Endpoint:           "https://example.com/odata/Media",
		Credential:         "test-token",
		TimestampField:     "MediaModificationTimestamp",
		AltTimestampFields: []string{"ModificationTimestamp"},
		ConflictKey:        []string{"ResourceRecordKey", "MediaKey"},
		FloorDate:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Table:              "media",
		WindowWidth:        7 * 24 * time.Hour,
		HighCardinality:    true,
	}
}

// newTestEngine wires an engine against the testutil mocks with an identity
// row mapper, so tests observe raw records in the store.
func newTestEngine(t *testing.T, config Config, handler func(req odata.PageRequest) (*odata.Page, error)) (*Engine, *testutil.MockStore, *testutil.MockFetcher, *testutil.TestLogger) {
	t.Helper()

	logger := testutil.NewTestLogger()
	fetcher := testutil.NewMockFetcher(handler)
	store := testutil.NewMockStore()

	eng, err := NewEngine(config, fetcher, store, logger.Logger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	eng.SetMapper(func(table string, rec map[string]any) map[string]any {
		return rec
	})

	return eng, store, fetcher, logger
}

func listing(key, ts string) map[string]any {
	return map[string]any{
		"ListingKey":            key,
		"ModificationTimestamp": ts,
	}
}

func page(records ...map[string]any) *odata.Page {
	return &odata.Page{Records: records}
}

// Slice Executor Tests

func TestRunSlice_SingleShortPage(t *testing.T) {
	eng, store, fetcher, _ := newTestEngine(t, DefaultConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		return page(
			listing("L1", "2025-01-01T00:05:00Z"),
			listing("L2", "2025-01-01T00:10:00Z"),
			listing("L3", "2025-01-01T00:15:00Z"),
		), nil
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "ModificationTimestamp gt 2025-01-01T00:00:00Z", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if res.Fetched != 3 || res.Unique != 3 || res.Upserted != 3 {
		t.Errorf("result = %+v, want 3/3/3", res)
	}
	if res.HitLimit {
		t.Error("short page must not set HitLimit")
	}
	if got := res.OldestTS; !got.Equal(time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)) {
		t.Errorf("OldestTS = %v", got)
	}
	if got := res.LatestTS; !got.Equal(time.Date(2025, 1, 1, 0, 15, 0, 0, time.UTC)) {
		t.Errorf("LatestTS = %v", got)
	}

	// A short first page finishes the slice in one round-trip
	if fetcher.RequestCount() != 1 {
		t.Errorf("got %d requests, want 1", fetcher.RequestCount())
	}

	upserts := store.Upserts()
	if len(upserts) != 1 {
		t.Fatalf("got %d upsert calls, want 1", len(upserts))
	}
	if upserts[0].Table != "property" {
		t.Errorf("Table = %q, want property", upserts[0].Table)
	}
	if len(upserts[0].ConflictKey) != 1 || upserts[0].ConflictKey[0] != "ListingKey" {
		t.Errorf("ConflictKey = %v", upserts[0].ConflictKey)
	}
}

func TestRunSlice_PagesInSkipOrder(t *testing.T) {
	eng, store, fetcher, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		switch req.Skip {
		case 0:
			return page(listing("L1", "2025-01-01T00:00:01Z"), listing("L2", "2025-01-01T00:00:02Z")), nil
		case 2:
			return page(listing("L3", "2025-01-01T00:00:03Z"), listing("L4", "2025-01-01T00:00:04Z")), nil
		case 4:
			return page(listing("L5", "2025-01-01T00:00:05Z")), nil
		}
		return nil, fmt.Errorf("unexpected skip %d", req.Skip)
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if res.Fetched != 5 || res.Unique != 5 {
		t.Errorf("result = %+v, want fetched=5 unique=5", res)
	}

	// Pages must be requested in increasing skip order and committed in
	// that order
	requests := fetcher.Requests()
	wantSkips := []int{0, 2, 4}
	if len(requests) != len(wantSkips) {
		t.Fatalf("got %d requests, want %d", len(requests), len(wantSkips))
	}
	for i, req := range requests {
		if req.Skip != wantSkips[i] {
			t.Errorf("request %d skip = %d, want %d", i, req.Skip, wantSkips[i])
		}
		if req.Top != 2 {
			t.Errorf("request %d top = %d, want 2", i, req.Top)
		}
	}

	upserts := store.Upserts()
	if len(upserts) != 3 {
		t.Fatalf("got %d upsert calls, want 3 (one per page)", len(upserts))
	}
	if upserts[0].Rows[0]["ListingKey"] != "L1" || upserts[2].Rows[0]["ListingKey"] != "L5" {
		t.Error("pages committed out of order")
	}
}

func TestRunSlice_DeduplicatesOverlappingPages(t *testing.T) {
	eng, store, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		switch req.Skip {
		case 0:
			return page(listing("L1", "2025-01-01T00:00:01Z"), listing("L2", "2025-01-01T00:00:02Z")), nil
		case 2:
			// L2 reappears: the upstream repeats rows at page boundaries
			return page(listing("L2", "2025-01-01T00:00:02Z"), listing("L3", "2025-01-01T00:00:03Z")), nil
		}
		return page(), nil
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if res.Fetched != 4 {
		t.Errorf("Fetched = %d, want 4", res.Fetched)
	}
	if res.Unique != 3 {
		t.Errorf("Unique = %d, want 3", res.Unique)
	}
	if store.CountUpsertedRows() != 3 {
		t.Errorf("upserted rows = %d, want 3", store.CountUpsertedRows())
	}
}

func TestRunSlice_CapSignalStopsCleanly(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		if req.Skip == 0 {
			return page(listing("L1", "2025-01-01T00:00:01Z"), listing("L2", "2025-01-01T00:00:02Z")), nil
		}
		return nil, odata.ErrCapExceeded
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("cap signal must not abort the slice: %v", err)
	}

	if !res.HitLimit {
		t.Error("HitLimit should be set")
	}
	if res.Fetched != 2 {
		t.Errorf("Fetched = %d, want 2 (partial extraction kept)", res.Fetched)
	}
}

func TestRunSlice_CapSignalWithFailOnCap(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		return nil, odata.ErrCapExceeded
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), true)
	if err == nil {
		t.Fatal("expected saturation to surface with failOnCap")
	}
	if !res.HitLimit {
		t.Error("HitLimit should still be set")
	}
}

func TestRunSlice_SkipReachesAPICap(t *testing.T) {
	config := testConfig()
	config.APICap = 4

	var next int
	eng, _, fetcher, _ := newTestEngine(t, config, func(req odata.PageRequest) (*odata.Page, error) {
		next++
		return page(
			listing(fmt.Sprintf("A%d", next), "2025-01-01T00:00:01Z"),
			listing(fmt.Sprintf("B%d", next), "2025-01-01T00:00:02Z"),
		), nil
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if !res.HitLimit {
		t.Error("paging to the cap should set HitLimit")
	}
	if res.Fetched != 4 {
		t.Errorf("Fetched = %d, want 4", res.Fetched)
	}
	if fetcher.RequestCount() != 2 {
		t.Errorf("got %d requests, want 2 (no request past the cap)", fetcher.RequestCount())
	}
}

func TestRunSlice_TransportErrorAborts(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		return nil, fmt.Errorf("connection reset")
	})

	_, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err == nil {
		t.Fatal("expected transport error to abort the slice")
	}
}

func TestRunSlice_StoreErrorAborts(t *testing.T) {
	eng, store, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		return page(listing("L1", "2025-01-01T00:00:01Z")), nil
	})
	store.SetWriteError(fmt.Errorf("disk full"))

	_, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err == nil {
		t.Fatal("expected store error to abort the slice")
	}
}

func TestRunSlice_RecordsWithoutIdentityDropped(t *testing.T) {
	eng, store, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		if req.Skip > 0 {
			return page(), nil
		}
		return page(
			listing("L1", "2025-01-01T00:00:01Z"),
			map[string]any{"ModificationTimestamp": "2025-01-01T00:00:02Z"},
		), nil
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if res.Fetched != 2 {
		t.Errorf("Fetched = %d, want 2", res.Fetched)
	}
	if res.Unique != 1 {
		t.Errorf("Unique = %d, want 1", res.Unique)
	}
	if store.CountUpsertedRows() != 1 {
		t.Errorf("upserted rows = %d, want 1", store.CountUpsertedRows())
	}
}

func TestRunSlice_TimestampFallback(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		// Media record missing MediaModificationTimestamp entirely
		return page(map[string]any{
			"ResourceRecordKey":     "L1",
			"MediaKey":              "m-1",
			"ModificationTimestamp": "2025-02-01T12:00:00Z",
		}), nil
	})

	res, err := eng.runSlice(context.Background(), mediaDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	want := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	if !res.LatestTS.Equal(want) {
		t.Errorf("LatestTS = %v, want %v (from fallback field)", res.LatestTS, want)
	}
}

func TestRunSlice_EmptyUpstream(t *testing.T) {
	eng, store, fetcher, _ := newTestEngine(t, testConfig(), func(req odata.PageRequest) (*odata.Page, error) {
		return page(), nil
	})

	res, err := eng.runSlice(context.Background(), testDescriptor(), "f", make(dedupSet), false)
	if err != nil {
		t.Fatalf("runSlice failed: %v", err)
	}

	if res.Fetched != 0 || res.Unique != 0 || res.Upserted != 0 || res.HitLimit {
		t.Errorf("result = %+v, want all zero", res)
	}
	if fetcher.RequestCount() != 1 {
		t.Errorf("got %d requests, want 1", fetcher.RequestCount())
	}
	if len(store.Upserts()) != 0 {
		t.Error("empty slice must not touch the store")
	}
}
