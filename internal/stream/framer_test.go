package stream

import (
	"reflect"
	"testing"
)

func collect(f *Framer, chunks []string) []string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, f.Write([]byte(c))...)
	}
	return lines
}

func TestFramer_ChunkSplits(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		final  string
	}{
		{
			name:   "single complete line",
			chunks: []string{"hello\n"},
			want:   []string{"hello"},
		},
		{
			name:   "two lines in one chunk",
			chunks: []string{"one\ntwo\n"},
			want:   []string{"one", "two"},
		},
		{
			name:   "line split mid token",
			chunks: []string{`{"resu`, `lt":"po`, "ng\"}\n"},
			want:   []string{`{"result":"pong"}`},
		},
		{
			name:   "split between cr and lf",
			chunks: []string{"hello\r", "\nworld\n"},
			want:   []string{"hello", "world"},
		},
		{
			name:   "newline alone in its own chunk",
			chunks: []string{"abc", "\n"},
			want:   []string{"abc"},
		},
		{
			name:   "blank lines suppressed",
			chunks: []string{"\n  \n\t\nreal\n"},
			want:   []string{"real"},
		},
		{
			name:   "partial retained across writes",
			chunks: []string{"no newline yet"},
			want:   nil,
			final:  "no newline yet",
		},
		{
			name:   "partial completed later",
			chunks: []string{"first half ", "second half\n"},
			want:   []string{"first half second half"},
		},
		{
			name:   "trailing partial after complete lines",
			chunks: []string{"done\npend"},
			want:   []string{"done"},
			final:  "pend",
		},
		{
			name:   "whitespace only partial flushes empty",
			chunks: []string{"line\n   "},
			want:   []string{"line"},
			final:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer()
			got := collect(f, tt.chunks)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lines = %v, want %v", got, tt.want)
			}
			if final := f.Flush(); final != tt.final {
				t.Errorf("Flush() = %q, want %q", final, tt.final)
			}
		})
	}
}

func TestFramer_ByteAtATime(t *testing.T) {
	f := NewFramer()
	input := "alpha\nbeta\r\ngamma"

	var lines []string
	for i := 0; i < len(input); i++ {
		lines = append(lines, f.Write([]byte{input[i]})...)
	}

	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
	if final := f.Flush(); final != "gamma" {
		t.Errorf("Flush() = %q, want %q", final, "gamma")
	}
}

func TestFramer_FlushResets(t *testing.T) {
	f := NewFramer()
	f.Write([]byte("partial"))

	if got := f.Flush(); got != "partial" {
		t.Fatalf("Flush() = %q, want %q", got, "partial")
	}
	if got := f.Flush(); got != "" {
		t.Errorf("second Flush() = %q, want empty", got)
	}

	// Framer is reusable after a flush
	if lines := f.Write([]byte("again\n")); !reflect.DeepEqual(lines, []string{"again"}) {
		t.Errorf("Write after Flush = %v", lines)
	}
}
