package pipeline

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestBOMSkipper(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "upload with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("ts,door,user,result")...),
			expected: "ts,door,user,result",
		},
		{
			name:     "upload without BOM",
			input:    []byte("ts,door,user,result"),
			expected: "ts,door,user,result",
		},
		{
			name:     "empty upload",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM preserved",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newBOMSkipper(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestUTF8Sanitizer(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "valid ASCII",
			input:    []byte("lobby,granted"),
			expected: "lobby,granted",
		},
		{
			name:     "valid multibyte",
			input:    []byte("türstation,ok"),
			expected: "türstation,ok",
		},
		{
			name:     "invalid byte replaced",
			input:    []byte{'d', 'o', 0x80, 'o', 'r'},
			expected: "do?or",
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newUTF8Sanitizer(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestCountingReader(t *testing.T) {
	input := strings.Repeat("x", 1000)
	reader := &CountingReader{reader: strings.NewReader(input), Total: int64(len(input))}

	buf := make([]byte, 100)
	totalRead := 0
	for {
		n, err := reader.Read(buf)
		totalRead += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if totalRead != len(input) {
		t.Errorf("total read = %d, want %d", totalRead, len(input))
	}
	if reader.BytesRead != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", reader.BytesRead, len(input))
	}
	if reader.Progress() != 100 {
		t.Errorf("Progress = %d, want 100", reader.Progress())
	}
}

func TestWrapUpload(t *testing.T) {
	// BOM followed by an invalid byte in the middle of plain text.
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte{'d', 'o', 0x80, 'o', 'r'}...)

	reader := WrapUpload(bytes.NewReader(input), int64(len(input)))
	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(result) != "do?or" {
		t.Errorf("got %q, want %q", string(result), "do?or")
	}
	if reader.BytesRead == 0 {
		t.Error("BytesRead should be > 0")
	}
}
