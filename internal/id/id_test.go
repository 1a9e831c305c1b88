package id

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestAscendingOrderWithinMillisecond(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	g := NewWithClock(func() time.Time { return fixed })

	var ids []string
	for i := 0; i < 100; i++ {
		ids = append(ids, g.Ascending(Message))
	}

	for i := 1; i < len(ids); i++ {
		if !(ids[i-1] < ids[i]) {
			t.Fatalf("ids out of order at %d: %q >= %q", i, ids[i-1], ids[i])
		}
	}
}

func TestAscendingOrderAcrossTime(t *testing.T) {
	ms := int64(1700000000000)
	g := NewWithClock(func() time.Time {
		ms += 7
		return time.UnixMilli(ms)
	})

	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, g.Ascending(Session))
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("creation order != lexicographic order at %d: %q vs %q", i, ids[i], sorted[i])
		}
	}
}

func TestClockGoingBackwardsStaysMonotonic(t *testing.T) {
	times := []int64{1700000000500, 1700000000400, 1700000000300}
	i := 0
	g := NewWithClock(func() time.Time {
		ts := times[i%len(times)]
		i++
		return time.UnixMilli(ts)
	})

	prev := g.Ascending(Part)
	for j := 0; j < 10; j++ {
		next := g.Ascending(Part)
		if !(prev < next) {
			t.Fatalf("monotonicity broken with backwards clock: %q >= %q", prev, next)
		}
		prev = next
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"session", Session},
		{"message", Message},
		{"part", Part},
		{"permission", Permission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Ascending(tt.prefix)
			if len(s) != Length(tt.prefix) {
				t.Errorf("length = %d, want %d (%q)", len(s), Length(tt.prefix), s)
			}
			if !strings.HasPrefix(s, tt.prefix+"_") {
				t.Errorf("missing prefix: %q", s)
			}
			if !Validate(tt.prefix, s) {
				t.Errorf("Validate rejected freshly minted id %q", s)
			}
			for _, r := range s[len(tt.prefix)+1:] {
				if (r < '0' || r > '9') && (r < 'a' || r > 'z') {
					t.Errorf("character %q outside [0-9a-z] in %q", r, s)
				}
			}
		})
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	good := Ascending(Session)
	tests := []struct {
		name string
		id   string
	}{
		{"wrong prefix", strings.Replace(good, Session, Message, 1)},
		{"truncated", good[:len(good)-1]},
		{"bad alphabet", good[:len(good)-1] + "!"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Validate(Session, tt.id) {
				t.Errorf("Validate accepted %q", tt.id)
			}
		})
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	fixed := time.UnixMilli(1700000012345)
	g := NewWithClock(func() time.Time { return fixed })
	s := g.Ascending(Message)

	got := Timestamp(s)
	if !got.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got, fixed)
	}
	if !Timestamp("garbage").IsZero() {
		t.Errorf("Timestamp on garbage should be zero time")
	}
}

func TestConcurrentMinting(t *testing.T) {
	g := New()
	const n = 200
	out := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() { out <- g.Ascending(Part) }()
	}
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		s := <-out
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate id %q", s)
		}
		seen[s] = struct{}{}
	}
}
