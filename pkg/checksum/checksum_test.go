package checksum

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSHA256(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			// echo -n "hello" | sha256sum
			name:  "hello",
			input: "hello",
			want:  helloSHA,
		},
		{
			name:  "empty string",
			input: "",
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := SHA256(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("SHA256() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SHA256(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if n != int64(len(tt.input)) {
				t.Errorf("SHA256(%q) size = %d, want %d", tt.input, n, len(tt.input))
			}
		})
	}

	t.Run("binary data", func(t *testing.T) {
		got, _, err := SHA256(bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03, 0xFF}))
		if err != nil {
			t.Fatalf("SHA256() error: %v", err)
		}
		if len(got) != 64 {
			t.Errorf("SHA256() returned %d-char hex string, want 64", len(got))
		}
	})

	t.Run("read error is propagated", func(t *testing.T) {
		if _, _, err := SHA256(errReader{}); err == nil {
			t.Error("SHA256() expected error from failing reader, got nil")
		}
	})
}

func TestRewind(t *testing.T) {
	r := strings.NewReader("hello")

	got, n, err := Rewind(r)
	if err != nil {
		t.Fatalf("Rewind() error: %v", err)
	}
	if got != helloSHA || n != 5 {
		t.Errorf("Rewind() = %q, %d; want %q, 5", got, n, helloSHA)
	}

	rest, _ := io.ReadAll(r)
	if string(rest) != "hello" {
		t.Errorf("reader after Rewind() yields %q, want the full body", rest)
	}
}

func TestReader(t *testing.T) {
	payload := strings.Repeat("x", 100_000)
	hr := NewReader(strings.NewReader(payload))

	if _, err := io.Copy(io.Discard, hr); err != nil {
		t.Fatalf("copy: %v", err)
	}
	want, _, _ := SHA256(strings.NewReader(payload))
	if hr.Sum() != want {
		t.Errorf("Sum() = %q, want %q", hr.Sum(), want)
	}
	if hr.Size() != int64(len(payload)) {
		t.Errorf("Size() = %d, want %d", hr.Size(), len(payload))
	}
}

func TestReader_PropagatesErrors(t *testing.T) {
	hr := NewReader(errReader{})
	if _, err := io.ReadAll(hr); err == nil {
		t.Error("expected error from failing reader, got nil")
	}
	if hr.Size() != 0 {
		t.Errorf("Size() = %d after failed read, want 0", hr.Size())
	}
}

// errReader is an io.Reader that always returns an error.
type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
