// Copyright 2024-2026 Aiku AI

package ircfmt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestToMarkdown(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"bold", "\x02bold\x02", "**bold**"},
		{"italic", "\x1dit\x1d", "*it*"},
		{"underline", "\x1fu\x1f", "__u__"},
		{"strike", "\x1es\x1e", "~~s~~"},
		{"monospace", "\x11code\x11", "`code`"},
		{"unclosed", "\x02bold", "**bold**"},
		{"reset closes", "\x02a\x1db\x0fc", "**a*b***c"},
		{"empty span vanishes", "a\x02\x02b", "ab"},
		{"colors dropped", "\x0304,05red\x03 text", "red text"},
		{"hex color dropped", "\x04ff0000red\x04", "red"},
		{"reverse dropped", "\x16rev\x16", "rev"},
		{"url untouched", "see https://x.y/a_b*c*", "see https://x.y/a_b*c*"},
		{"url inside bold", "\x02https://x.y/a_b\x02", "**https://x.y/a_b**"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToMarkdown(tt.in); got != tt.want {
				t.Errorf("ToMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStrip(t *testing.T) {
	t.Parallel()
	in := "\x02b\x02 \x0312,4c\x03 \x1di\x1d\x0f"
	if got := Strip(in); got != "b c i" {
		t.Errorf("Strip(%q) = %q", in, got)
	}
	if got := Strip("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}

func TestAction(t *testing.T) {
	t.Parallel()
	body, ok := ParseAction(Action("waves"))
	if !ok || body != "waves" {
		t.Errorf("got %q, %v", body, ok)
	}
	if _, ok := ParseAction("waves"); ok {
		t.Error("plain text is not an action")
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"word boundary", "hello brave new world", 12, []string{"hello brave ", "new world"}},
		{"no boundary", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newlines", "a\nb\n", 10, []string{"a\n", "b\n"}},
		{"blank line kept", "a\n\nb", 10, []string{"a\n", "\n", "b"}},
		{"multibyte", "ééééé", 5, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Split(tt.in, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitDefaultLimit(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("word ", 300)
	chunks := Split(in, DefaultSplitLimit)
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for _, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c, " ") {
			t.Errorf("chunk %q does not end on a word boundary", c)
		}
	}
}

func TestLines(t *testing.T) {
	t.Parallel()
	got := Lines([]string{"a\r\n", "\n", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %q", got)
	}
}

func FuzzSplit(f *testing.F) {
	f.Add("hello brave new world", 12)
	f.Add("ééééé 日本語のテキスト", 5)
	f.Add("a\n\nb\r\nc", 3)
	f.Add(strings.Repeat("x", 1000), 450)
	f.Fuzz(func(t *testing.T, in string, limit int) {
		if limit > 4096 || limit < -4096 {
			return
		}
		chunks := Split(in, limit)
		if got := strings.Join(chunks, ""); got != in {
			t.Fatalf("reassembly mismatch: %q != %q", got, in)
		}
		eff := max(limit, utf8.UTFMax)
		for _, c := range chunks {
			if c == "" {
				t.Fatal("empty chunk")
			}
			if len(c) > eff {
				t.Fatalf("chunk of %d bytes exceeds %d", len(c), eff)
			}
			if utf8.ValidString(in) && !utf8.ValidString(c) {
				t.Fatalf("chunk %q splits a character", c)
			}
		}
	})
}

func FuzzToMarkdown(f *testing.F) {
	f.Add("\x02bold\x02")
	f.Add("\x03")
	f.Add("\x1d\x02x\x1dy\x0f")
	f.Fuzz(func(t *testing.T, in string) {
		if ToMarkdown(in) != ToMarkdown(in) {
			t.Fatal("non-deterministic")
		}
		if strings.ContainsAny(Strip(in), "\x02\x1d\x1e\x1f\x11\x16\x0f") {
			t.Fatalf("Strip left control codes in %q", in)
		}
	})
}
