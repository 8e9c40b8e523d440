package main

import (
	"net/url"
	"testing"
	"time"
)

func TestJobFilterFromQuery(t *testing.T) {
	f, err := jobFilterFromQuery(url.Values{
		"owner":    {"alice"},
		"ontology": {"physics"},
		"state":    {"completed"},
		"limit":    {"25"},
		"since":    {"2026-08-01T00:00:00Z"},
		"until":    {"2026-08-26T12:30:00Z"},
	})
	if err != nil {
		t.Fatalf("jobFilterFromQuery: %v", err)
	}
	if f.Owner != "alice" || f.Ontology != "physics" || f.Limit != 25 {
		t.Errorf("filter = %+v", f)
	}
	if len(f.States) != 1 || f.States[0] != "completed" {
		t.Errorf("states = %v", f.States)
	}
	wantSince := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !f.Since.Equal(wantSince) {
		t.Errorf("since = %v, want %v", f.Since, wantSince)
	}
	wantUntil := time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC)
	if !f.Until.Equal(wantUntil) {
		t.Errorf("until = %v, want %v", f.Until, wantUntil)
	}
}

func TestJobFilterFromQueryRejectsBadTimestamps(t *testing.T) {
	if _, err := jobFilterFromQuery(url.Values{"since": {"yesterday"}}); err == nil {
		t.Error("bad since should be rejected")
	}
	if _, err := jobFilterFromQuery(url.Values{"until": {"2026-08-26"}}); err == nil {
		t.Error("date-only until should be rejected")
	}

	// Absent timestamps leave the filter open ended.
	f, err := jobFilterFromQuery(url.Values{})
	if err != nil {
		t.Fatalf("empty query: %v", err)
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		t.Errorf("empty query should leave zero times, got %+v", f)
	}
}
