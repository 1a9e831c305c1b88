// Package id generates monotonic, time-prefixed identifiers.
//
// Identifiers sort lexicographically in creation order within a process:
// the payload is a fixed-width base36 millisecond timestamp, a fixed-width
// base36 counter that disambiguates ids minted in the same millisecond, and
// a random tail that makes cross-process collisions astronomically unlikely.
// The alphabet is restricted to [0-9a-z] so ids are safe in storage keys,
// URLs, and shell arguments without quoting.
package id

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Typed prefixes for the entities the engine mints ids for.
const (
	Session    = "session"
	Message    = "message"
	Part       = "part"
	Permission = "permission"
)

const (
	// timeWidth holds base36 milliseconds; 9 digits covers timestamps
	// until roughly year 5000.
	timeWidth = 9

	// counterWidth disambiguates ids minted in the same millisecond.
	// 4 base36 digits allow ~1.6M ids per millisecond before the
	// generator borrows from the next millisecond.
	counterWidth = 4

	randWidth = 12

	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Generator mints identifiers. The zero value is not usable; use New.
type Generator struct {
	mu      sync.Mutex
	lastMS  int64
	counter int64
	now     func() time.Time
}

// New returns a Generator backed by the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator using the given clock. Tests use this to
// pin or replay timestamps.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

var defaultGenerator = New()

// Ascending mints an id with the given prefix using the process-wide
// generator. Ids from the same generator sort lexicographically in mint
// order even within a single millisecond.
func Ascending(prefix string) string {
	return defaultGenerator.Ascending(prefix)
}

// Ascending mints an id with the given prefix.
func (g *Generator) Ascending(prefix string) string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		// Clock moved backwards; keep minting against the last
		// observed millisecond so ordering holds.
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.counter++
		if g.counter >= pow36(counterWidth) {
			ms++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMS = ms
	counter := g.counter
	g.mu.Unlock()

	var b strings.Builder
	b.Grow(len(prefix) + 1 + timeWidth + counterWidth + randWidth)
	b.WriteString(prefix)
	b.WriteByte('_')
	writeBase36(&b, ms, timeWidth)
	writeBase36(&b, counter, counterWidth)
	b.WriteString(randomTail(randWidth))
	return b.String()
}

// Length reports the total length of an id minted with the given prefix.
func Length(prefix string) int {
	return len(prefix) + 1 + timeWidth + counterWidth + randWidth
}

// Validate reports whether s is a well-formed id for the given prefix.
func Validate(prefix, s string) bool {
	if len(s) != Length(prefix) {
		return false
	}
	if !strings.HasPrefix(s, prefix+"_") {
		return false
	}
	for _, r := range s[len(prefix)+1:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// Timestamp extracts the creation time encoded in an id. Returns the zero
// time if the id is malformed.
func Timestamp(s string) time.Time {
	i := strings.IndexByte(s, '_')
	if i < 0 || len(s) < i+1+timeWidth {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s[i+1:i+1+timeWidth], 36, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func writeBase36(b *strings.Builder, v int64, width int) {
	s := strconv.FormatInt(v, 36)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

func pow36(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 36
	}
	return v
}

func randomTail(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has bigger problems than id quality.
		panic(fmt.Sprintf("id: read random: %v", err))
	}
	out := make([]byte, n)
	for i, c := range buf {
		out[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(out)
}
