package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortInput(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "hi", strings.Repeat("a", DefaultLimit)} {
		got := Split(text, DefaultLimit)
		if len(got) != 1 {
			t.Fatalf("Split(%d chars) segments = %d, want 1", len(text), len(got))
		}
		if got[0] != text {
			t.Fatalf("Split() single segment mismatch")
		}
	}
}

func TestSplitRepeatedWords(t *testing.T) {
	t.Parallel()

	// 9000 characters of repeated 5-char words ("word " x 1800).
	text := strings.TrimRight(strings.Repeat("word ", 1800), " ")
	segs := Split(text, DefaultLimit)
	if len(segs) != 3 {
		t.Fatalf("Split() segments = %d, want 3", len(segs))
	}
	for i, seg := range segs {
		if n := utf8.RuneCountInString(seg); n > DefaultLimit {
			t.Fatalf("segment %d length = %d, want <= %d", i, n, DefaultLimit)
		}
		if strings.HasPrefix(seg, " ") || strings.HasSuffix(seg, " ") {
			t.Fatalf("segment %d has a ragged boundary: %q...", i, seg[:8])
		}
	}
	if got := strings.Join(segs, " "); got != text {
		t.Fatalf("segments do not reassemble to the input")
	}
}

func TestSplitWordBoundary(t *testing.T) {
	t.Parallel()

	segs := Split("alpha beta gamma", 10)
	want := []string{"alpha beta", "gamma"}
	if len(segs) != len(want) {
		t.Fatalf("Split() = %q, want %q", segs, want)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("Split()[%d] = %q, want %q", i, segs[i], want[i])
		}
	}
}

func TestSplitHardCut(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 25)
	segs := Split(text, 10)
	want := []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}
	if len(segs) != len(want) {
		t.Fatalf("Split() segments = %d, want %d", len(segs), len(want))
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("Split()[%d] = %q, want %q", i, segs[i], want[i])
		}
	}
	if strings.Join(segs, "") != text {
		t.Fatalf("hard-cut segments do not reassemble to the input")
	}
}

func TestSplitRuneSafe(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("日本語 ", 8) // multibyte runes with spaces
	for _, seg := range Split(text, 7) {
		if !utf8.ValidString(seg) {
			t.Fatalf("segment %q is not valid utf8", seg)
		}
		if utf8.RuneCountInString(seg) > 7 {
			t.Fatalf("segment %q exceeds rune limit", seg)
		}
	}
}

func TestSplitRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{
		strings.Repeat("lorem ipsum dolor ", 40),
		strings.Repeat("a", 95) + " " + strings.Repeat("b", 95),
		"one  two   three    " + strings.Repeat("four ", 30),
	}
	for _, text := range cases {
		segs := Split(text, 50)
		if len(segs) == 0 {
			t.Fatalf("Split() returned no segments")
		}
		// Re-insert a single space at every split point that consumed one.
		rebuilt := segs[0]
		rest := text[len(segs[0]):]
		for _, seg := range segs[1:] {
			if strings.HasPrefix(rest, " ") {
				rebuilt += " "
				rest = rest[1:]
			}
			rebuilt += seg
			rest = rest[len(seg):]
		}
		if rebuilt != text {
			t.Fatalf("round trip mismatch:\n got %q\nwant %q", rebuilt, text)
		}
	}
}
