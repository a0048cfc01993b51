package proxy

import (
	"net/http"
	"testing"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		size  int64
		want  byteRange
		valid bool
	}{
		{"closed interval", "bytes=2-5", 10, byteRange{2, 5}, true},
		{"open end", "bytes=4-", 10, byteRange{4, 9}, true},
		{"suffix", "bytes=-3", 10, byteRange{7, 9}, true},
		{"suffix larger than body", "bytes=-100", 10, byteRange{0, 9}, true},
		{"end clamped", "bytes=8-99", 10, byteRange{8, 9}, true},
		{"whole body", "bytes=0-9", 10, byteRange{0, 9}, true},
		{"empty header", "", 10, byteRange{}, false},
		{"start beyond size", "bytes=10-", 10, byteRange{}, false},
		{"inverted", "bytes=5-2", 10, byteRange{}, false},
		{"multipart unsupported", "bytes=0-1,3-4", 10, byteRange{}, false},
		{"wrong unit", "items=0-1", 10, byteRange{}, false},
		{"garbage", "bytes=abc", 10, byteRange{}, false},
		{"zero size body", "bytes=0-1", 0, byteRange{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseRange(tc.raw, tc.size)
			if ok != tc.valid {
				t.Fatalf("parseRange(%q, %d) valid=%v, want %v", tc.raw, tc.size, ok, tc.valid)
			}
			if ok && got != tc.want {
				t.Fatalf("parseRange(%q, %d) = %+v, want %+v", tc.raw, tc.size, got, tc.want)
			}
		})
	}
}

func TestByteRangeLength(t *testing.T) {
	if got := (byteRange{2, 5}).length(); got != 4 {
		t.Fatalf("expected length 4, got %d", got)
	}
}

func TestStorableHeadersFiltersHopByHop(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Connection", "keep-alive")
	header.Set("Transfer-Encoding", "chunked")
	header.Add("X-Mirror", "a")
	header.Add("X-Mirror", "b")

	fields := storableHeaders(header)

	byName := map[string][]string{}
	for _, field := range fields {
		byName[field.Name] = append(byName[field.Name], field.Value)
	}
	if _, exists := byName["Connection"]; exists {
		t.Fatalf("hop-by-hop headers must not be stored")
	}
	if _, exists := byName["Transfer-Encoding"]; exists {
		t.Fatalf("transfer-encoding must not be stored")
	}
	if got := byName["X-Mirror"]; len(got) != 2 {
		t.Fatalf("multi-value headers must be preserved, got %v", got)
	}
	if got := byName["Content-Type"]; len(got) != 1 || got[0] != "text/plain" {
		t.Fatalf("content-type lost: %v", got)
	}
}
