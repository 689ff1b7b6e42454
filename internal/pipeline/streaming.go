package pipeline

// streaming.go provides memory-efficient reader wrappers applied to uploads
// before CSV decoding:
//
//   - utf8Sanitizer: replaces invalid UTF-8 bytes with '?' on the fly
//   - bomSkipper: strips the UTF-8 BOM that Windows exports often carry
//   - CountingReader: tracks bytes read for upload progress
//
// WrapUpload applies all three in the required order. Peak memory stays
// O(buffer size) regardless of upload size.

import (
	"io"
	"unicode/utf8"
)

// utf8Sanitizer wraps an io.Reader and replaces invalid UTF-8 sequences with
// '?' as data streams through. A one-byte replacement is used instead of
// U+FFFD so sanitization never expands the buffer.
type utf8Sanitizer struct {
	reader io.Reader

	// pending holds trailing bytes that may be the start of a multi-byte
	// sequence split across reads.
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{
		reader:  r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

// Read implements io.Reader, sanitizing in place.
func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset

	if n == 0 {
		return 0, err
	}

	// Fast path: most badge exports are pure ASCII.
	if isAllASCII(p[:n]) {
		return n, err
	}

	sanitized := s.sanitize(p[:n], err == io.EOF)
	return sanitized, err
}

func isAllASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place and returns the number of valid bytes.
// Unless atEOF, an incomplete trailing sequence is carried over to the next
// read instead of being replaced.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if utf8.Valid(data) {
		if !atEOF {
			if trailing := incompleteTrailingBytes(data); trailing > 0 {
				s.pending = append(s.pending, data[len(data)-trailing:]...)
				return len(data) - trailing
			}
		}
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])

		if !atEOF && read+size >= len(data) && isIncompleteRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
		} else {
			copy(data[write:], data[read:read+size])
			write += size
			read += size
		}
	}

	return write
}

// incompleteTrailingBytes reports how many bytes at the end of data could be
// the start of a not-yet-complete multi-byte sequence.
func incompleteTrailingBytes(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			// Start of a multi-byte sequence; incomplete if it needs more
			// bytes than remain.
			if i < runeLen(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

// runeLen returns the expected encoded length for a UTF-8 leading byte.
func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0 // continuation byte
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

func isIncompleteRune(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return runeLen(data[0]) > len(data)
}

// bomSkipper wraps an io.Reader and drops a leading UTF-8 BOM (0xEF 0xBB
// 0xBF) if present.
type bomSkipper struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte
	bufData    []byte
	bufOffset  int
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{reader: r}
}

// Read implements io.Reader. The first read probes for the BOM.
func (r *bomSkipper) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if n == 0 {
			return 0, err
		}

		if n >= 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			r.bufData = nil
		} else {
			r.bufData = r.buf[:n]
			r.bufOffset = 0
		}

		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if len(r.bufData) > 0 {
			copied := copy(p, r.bufData[r.bufOffset:])
			r.bufOffset += copied
			if r.bufOffset >= len(r.bufData) {
				r.bufData = nil
			}
			if copied < len(p) && err != io.EOF {
				n2, err2 := r.reader.Read(p[copied:])
				return copied + n2, err2
			}
			return copied, err
		}
	}

	if len(r.bufData) > r.bufOffset {
		copied := copy(p, r.bufData[r.bufOffset:])
		r.bufOffset += copied
		if r.bufOffset >= len(r.bufData) {
			r.bufData = nil
		}
		return copied, nil
	}

	return r.reader.Read(p)
}

// CountingReader wraps an io.Reader and tracks bytes read, for upload
// progress reporting when the total size is known.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns read progress as a percentage (0-100), or 0 when the
// total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}

// WrapUpload prepares a raw upload reader for CSV decoding: the BOM must be
// stripped before sanitization, and counting wraps everything so progress
// reflects bytes actually consumed.
func WrapUpload(r io.Reader, totalSize int64) *CountingReader {
	return &CountingReader{
		reader: newUTF8Sanitizer(newBOMSkipper(r)),
		Total:  totalSize,
	}
}
