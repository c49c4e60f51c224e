package logentry

import "testing"

func TestRaiseThenClearRemovesEntry(t *testing.T) {
	s := New(nil)
	s.Raise(7, "not_online", "Not online")

	entries := s.List(Error)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Module != "Particle Counter id=7" || entries[0].Text != "Not online" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}

	s.Clear(7, "not_online")
	if got := s.List(Error); len(got) != 0 {
		t.Errorf("got %d entries after Clear, want 0", len(got))
	}
}

func TestRaiseIsIdempotentUntilCleared(t *testing.T) {
	s := New(nil)
	s.Raise(1, "status_error", "Status error present")
	s.Raise(1, "status_error", "Status error present")

	if got := len(s.List(Error)); got != 1 {
		t.Errorf("got %d entries, want 1 (duplicate raise should not double-add)", got)
	}
}

func TestDistinctKeysCoexist(t *testing.T) {
	s := New(nil)
	s.Raise(1, "not_online", "Not online")
	s.Raise(1, "status_error", "Status error present")

	if got := len(s.List(Error)); got != 2 {
		t.Errorf("got %d entries, want 2", got)
	}
}

func TestClearInstrumentRemovesAllItsEntries(t *testing.T) {
	s := New(nil)
	s.Raise(5, "not_online", "Not online")
	s.Raise(5, "status_error", "Status error present")
	s.Raise(6, "not_online", "Not online")

	s.ClearInstrument(5)

	remaining := s.List(Error)
	if len(remaining) != 1 || remaining[0].Module != "Particle Counter id=6" {
		t.Errorf("unexpected remaining entries: %+v", remaining)
	}
}

func TestRaiseGlobalUsesGivenCategoryAndModule(t *testing.T) {
	s := New(nil)
	s.RaiseGlobal(Error, "Control Surface", "no_connection", "No connection to server")

	entries := s.List(Error)
	if len(entries) != 1 || entries[0].Module != "Control Surface" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	s.ClearGlobal(Error, "Control Surface", "no_connection")
	if got := s.List(Error); len(got) != 0 {
		t.Errorf("got %d entries after ClearGlobal, want 0", len(got))
	}
}

func TestListFiltersByCategory(t *testing.T) {
	s := New(nil)
	s.RaiseGlobal(Info, "Bus Manager", "tx_lost", "Transaction lost.")
	s.Raise(1, "not_online", "Not online")

	if got := len(s.List(Info)); got != 1 {
		t.Errorf("Info entries = %d, want 1", got)
	}
	if got := len(s.List(Error)); got != 1 {
		t.Errorf("Error entries = %d, want 1", got)
	}
	if got := len(s.List(Warning)); got != 0 {
		t.Errorf("Warning entries = %d, want 0", got)
	}
}
