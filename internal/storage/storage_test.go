package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/credstore/internal/model"
)

func sampleCollection() model.Collection {
	used := time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC)
	return model.Collection{
		{
			ID:          "0190b5f6-0000-7000-8000-000000000001",
			Secret:      "rfsk_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Name:        "svc-a",
			Description: "first",
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Active:      true,
		},
		{
			ID:         "0190b5f6-0000-7000-8000-000000000002",
			Secret:     "rfsk_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			Name:       "svc-b",
			CreatedAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			LastUsedAt: &used,
			UsageCount: 7,
			Active:     false,
		},
	}
}

func assertSameCollection(t *testing.T, got, want model.Collection) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("collection has %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ID != w.ID || g.Secret != w.Secret || g.Name != w.Name || g.Description != w.Description ||
			g.UsageCount != w.UsageCount || g.Active != w.Active || !g.CreatedAt.Equal(w.CreatedAt) {
			t.Fatalf("key %d = %+v, want %+v", i, g, w)
		}
		if (g.LastUsedAt == nil) != (w.LastUsedAt == nil) {
			t.Fatalf("key %d lastUsedAt = %v, want %v", i, g.LastUsedAt, w.LastUsedAt)
		}
		if w.LastUsedAt != nil && !g.LastUsedAt.Equal(*w.LastUsedAt) {
			t.Fatalf("key %d lastUsedAt = %v, want %v", i, *g.LastUsedAt, *w.LastUsedAt)
		}
	}
}

// runBackendContract exercises the behaviour every backend shares.
func runBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	empty, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil collection, got %#v", empty)
	}

	want := sampleCollection()
	if err := b.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameCollection(t, got, want)

	// save(load()) leaves the persisted collection unchanged.
	if err := b.Save(ctx, got); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	again, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	assertSameCollection(t, again, want)

	err = Update(ctx, b, func(c model.Collection) (model.Collection, error) {
		c[0].UsageCount++
		return c, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = b.Load(ctx)
	if got[0].UsageCount != 1 {
		t.Fatalf("update not persisted, usageCount=%d", got[0].UsageCount)
	}

	err = Update(ctx, b, func(c model.Collection) (model.Collection, error) {
		return model.Collection{}, ErrNoChange
	})
	if err != nil {
		t.Fatalf("no-change update: %v", err)
	}
	got, _ = b.Load(ctx)
	if len(got) != 2 {
		t.Fatalf("ErrNoChange must skip the write, got %d keys", len(got))
	}

	boom := errors.New("boom")
	err = Update(ctx, b, func(c model.Collection) (model.Collection, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error passed through, got %v", err)
	}

	if err := b.Save(ctx, nil); err != nil {
		t.Fatalf("save nil: %v", err)
	}
	got, err = b.Load(ctx)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("expected empty collection after saving nil, got %#v (%v)", got, err)
	}
}

// runConcurrentUpdates checks that a backend with conditional writes loses
// no update when several writers race.
func runConcurrentUpdates(t *testing.T, b Backend, writers int) {
	t.Helper()
	ctx := context.Background()
	if err := b.Save(ctx, model.Collection{}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- Update(ctx, b, func(c model.Collection) (model.Collection, error) {
				return append(c, model.APIKey{ID: fmt.Sprintf("k-%d", i)}), nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("unexpected update error: %v", err)
			}
			failed++
		}
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != writers-failed {
		t.Fatalf("expected %d keys, got %d (lost updates)", writers-failed, len(got))
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := encode(nil)
	if err != nil || string(data) != "[]" {
		t.Fatalf("encode(nil) = %q, %v", data, err)
	}

	c, err := decode([]byte("null"))
	if err != nil || c == nil || len(c) != 0 {
		t.Fatalf("decode(null) = %#v, %v", c, err)
	}

	for _, in := range []string{"", "  \n", "{", `{"id":"x"}`, "[1,2"} {
		if _, err := decode([]byte(in)); err == nil {
			t.Errorf("decode(%q) should fail", in)
		}
	}

	data, err = encode(sampleCollection()[:1])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "[\n  {\n    \"id\": \"0190b5f6-0000-7000-8000-000000000001\",\n    \"key\": "
	if string(data[:len(want)]) != want {
		t.Fatalf("unexpected encoding prefix:\n%s", data)
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := unavailable(KindRedis, "load", cause)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected unavailable wrapping cause, got %v", err)
	}
	if errors.Is(err, ErrCorrupt) {
		t.Fatal("unavailable must not match ErrCorrupt")
	}
	if KindOf(err) != "unavailable" {
		t.Fatalf("KindOf = %q", KindOf(err))
	}

	var se *Error
	if !errors.As(err, &se) || se.Backend != KindRedis || se.Op != "load" {
		t.Fatalf("expected *Error with backend and op, got %#v", err)
	}

	timeout := ensureError(KindFile, "save", context.DeadlineExceeded)
	if !errors.Is(timeout, ErrUnavailable) || !IsTimeout(timeout) {
		t.Fatalf("deadline should classify as unavailable timeout, got %v", timeout)
	}
	if KindOf(errors.New("x")) != "other" {
		t.Fatal("plain errors are not backend errors")
	}
	if KindOf(conflict(KindSQLite, "update", 3)) != "conflict" {
		t.Fatal("expected conflict")
	}
}
