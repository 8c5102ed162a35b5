package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndex(t *testing.T) {
	tests := []struct {
		name     string
		haystack string
		needle   string
		want     int
	}{
		{"Empty haystack", "", "\r\n", -1},
		{"Empty needle", "abc", "", -1},
		{"Both empty", "", "", -1},
		{"Needle longer than haystack", "\r", "\r\n", -1},
		{"At start", "\r\nabc", "\r\n", 0},
		{"At end", "abc\r\n", "\r\n", 3},
		{"Whole haystack", "\r\n", "\r\n", 0},
		{"First of many", "a\r\nb\r\nc", "\r\n", 1},
		{"Lone CR then CRLF", "a\rb\r\n", "\r\n", 3},
		{"Partial at end", "abc\r", "\r\n", -1},
		{"Overlapping candidates", "aaab", "aab", 1},
		{"Single byte", "xyz", "z", 2},
		{"Not found", "hello world", "\r\n", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Index([]byte(tt.haystack), []byte(tt.needle)))
		})
	}
}

// Index must agree with bytes.Index whenever the needle is non-empty.
func TestIndexMatchesBytesIndex(t *testing.T) {
	alphabet := []byte("\r\nab")
	var haystacks [][]byte
	var build func(prefix []byte, depth int)
	build = func(prefix []byte, depth int) {
		haystacks = append(haystacks, bytes.Clone(prefix))
		if depth == 0 {
			return
		}
		for _, c := range alphabet {
			build(append(prefix, c), depth-1)
		}
	}
	build(nil, 5)

	needles := [][]byte{[]byte("\r\n"), []byte("a"), []byte("\n\r"), []byte("ab\r")}
	for _, h := range haystacks {
		for _, n := range needles {
			want := bytes.Index(h, n)
			require.Equal(t, want, Index(h, n), "haystack %q needle %q", h, n)
		}
	}
}
