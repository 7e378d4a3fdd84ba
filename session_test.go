package sentio

import (
	"fmt"
	"sync"
	"testing"
)

func rec(id, staged string) *StagingRecord {
	return &StagingRecord{ID: id, StagedFile: staged}
}

func TestSession_Track_AssignsSequentialRefs(t *testing.T) {
	s := NewSession()

	for i, id := range []string{"a", "b", "c"} {
		want := fmt.Sprintf("P%d", i+1)
		if got := s.Track(rec(id, id+".jpg")); got != want {
			t.Errorf("Track(%s) = %q, want %q", id, got, want)
		}
	}
}

// TestSession_Track_SameRecordRetainsOriginalRef checks that listing the
// pending queue twice does not renumber records.
func TestSession_Track_SameRecordRetainsOriginalRef(t *testing.T) {
	s := NewSession()

	s.Track(rec("a", "a.jpg"))
	s.Track(rec("b", "b.jpg"))
	if got := s.Track(rec("a", "a.jpg")); got != "P1" {
		t.Errorf("re-Track(a) = %q, want P1", got)
	}
	if got := s.Track(rec("c", "c.jpg")); got != "P3" {
		t.Errorf("Track(c) = %q, want P3", got)
	}
	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
}

func TestSession_Resolve(t *testing.T) {
	s := NewSession()
	s.Track(rec("01HX-A", "20260301_120000_cow_left.jpg"))
	s.Track(rec("01HX-B", "20260301_120500_cow_right.jpg"))
	s.Track(rec("01HX-C", "20260301_121000_moo.wav"))

	tests := []struct {
		ref  string
		want string
	}{
		{"P1", "01HX-A"},
		{"p2", "01HX-B"},
		{"01HX-C", "01HX-C"},
		{"moo", "01HX-C"},
		{"cow_right", "01HX-B"},
		{"cow", "cow"},         // ambiguous
		{"01HX-Z", "01HX-Z"},   // untracked ID passes through
		{"P9", "P9"},           // unknown ref passes through
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			if got := s.Resolve(tt.ref); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestSession_ResolveRef_IgnoresFilenames(t *testing.T) {
	s := NewSession()
	s.Track(rec("01HX-A", "20260301_120000_clip.wav"))

	tests := []struct {
		ref  string
		want string
	}{
		{"P1", "01HX-A"},
		{" p1 ", "01HX-A"},
		{"01HX-A", "01HX-A"},
		{"clip", "clip"},
	}
	for _, tt := range tests {
		if got := s.ResolveRef(tt.ref); got != tt.want {
			t.Errorf("ResolveRef(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestSession_Clear(t *testing.T) {
	s := NewSession()
	s.Track(rec("a", "a.jpg"))
	s.Clear()

	if s.Count() != 0 {
		t.Errorf("Count() after Clear = %d", s.Count())
	}
	if got := s.Track(rec("b", "b.jpg")); got != "P1" {
		t.Errorf("Track after Clear = %q, want P1", got)
	}
	if _, ok := s.Ref("a"); ok {
		t.Error("cleared record still has a ref")
	}
}

func TestSession_ConcurrentTrack(t *testing.T) {
	s := NewSession()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Track(rec(fmt.Sprintf("id-%d", i), fmt.Sprintf("f-%d.jpg", i)))
		}(i)
	}
	wg.Wait()

	if s.Count() != 50 {
		t.Errorf("Count() = %d, want 50", s.Count())
	}
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ref, ok := s.Ref(fmt.Sprintf("id-%d", i))
		if !ok || seen[ref] {
			t.Fatalf("id-%d ref = %q, ok=%v (duplicate or missing)", i, ref, ok)
		}
		seen[ref] = true
	}
}
