package memory

import (
	"testing"
	"unicode/utf8"
)

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short string untouched", "hello", 10, "hello"},
		{"ascii cut at limit", "hello world", 5, "hello"},
		{"cut inside emoji backs up", "ok \U0001F389end", 5, "ok "},
		{"cut at emoji end keeps it", "ok \U0001F389end", 7, "ok \U0001F389"},
		{"multi-byte everywhere", "日本語のテスト", 5, "日"},
		{"zero max", "日本語", 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateRunes(tc.in, tc.max)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("result %q is not valid UTF-8", got)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Memory{
		ID:        "m1",
		Content:   "original",
		Embedding: []float32{0.1, 0.2},
		Metadata:  Metadata{Tags: []string{"go"}},
	}
	c := m.Clone()
	c.Content = "changed"
	c.Embedding[0] = 9
	c.Metadata.Tags[0] = "changed"

	if m.Content != "original" {
		t.Errorf("content aliased: %q", m.Content)
	}
	if m.Embedding[0] != 0.1 {
		t.Errorf("embedding aliased: %v", m.Embedding)
	}
	if m.Metadata.Tags[0] != "go" {
		t.Errorf("tags aliased: %v", m.Metadata.Tags)
	}

	var nilM *Memory
	if nilM.Clone() != nil {
		t.Error("nil clone should stay nil")
	}
}
