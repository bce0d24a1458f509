package messenger

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single sentence",
			input: "We have it in red.",
			want:  []string{"We have it in red."},
		},
		{
			name:  "sentences become separate chunks",
			input: "Yes, we have the red hat! It costs 49 GEL. Want me to reserve one?",
			want: []string{
				"Yes, we have the red hat!",
				"It costs 49 GEL.",
				"Want me to reserve one?",
			},
		},
		{
			name:  "paragraphs split first",
			input: "Here are the details.\n\nShipping takes two days.",
			want:  []string{"Here are the details.", "Shipping takes two days."},
		},
		{
			name:  "list kept as one chunk",
			input: "Available colors:\n\n- red\n- blue\n- green",
			want:  []string{"Available colors:", "- red\n- blue\n- green"},
		},
		{
			name:  "numbered list kept as one chunk",
			input: "How to order:\n\n1. Pick a size. 2. Send us your address. 3. Pay on delivery.",
			want:  []string{"How to order:", "1. Pick a size. 2. Send us your address. 3. Pay on delivery."},
		},
		{
			name:  "no terminator sends whole paragraph",
			input: "ok",
			want:  []string{"ok"},
		},
		{
			name:  "trailing fragment attaches to last sentence",
			input: "It ships Monday. Free of charge",
			want:  []string{"It ships Monday. Free of charge"},
		},
		{
			name:  "empty text",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitChunks(tt.input, 0)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitChunks() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitChunksMaxChars(t *testing.T) {
	input := strings.Repeat("word ", 50) + "end."
	chunks := SplitChunks(input, 60)

	if len(chunks) < 2 {
		t.Fatalf("long text stayed in %d chunk(s)", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 60 {
			t.Errorf("chunk %d has %d chars, over the 60 cap", i, len(chunk))
		}
		if strings.HasPrefix(chunk, " ") || strings.HasSuffix(chunk, " ") {
			t.Errorf("chunk %d has edge whitespace: %q", i, chunk)
		}
	}
}
