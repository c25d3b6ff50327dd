package session

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// CompressThreshold is the serialized size above which backends store the
// gzip-compressed form of a session record.
const CompressThreshold = 100 * 1024

// gzip magic bytes, used to recognize compressed records on read.
var gzipMagic = []byte{0x1f, 0x8b}

// MarshalSession serializes a session to its canonical JSON form. All
// backends persist this format so swapping backends is lossless.
func MarshalSession(s *Session) ([]byte, error) {
	if s == nil {
		return nil, &ValidationError{Field: "session", Reason: "must not be nil"}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSession deserializes a canonical session record. It accepts both
// the plain and gzip-compressed variants.
func UnmarshalSession(data []byte) (*Session, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		var err error
		data, err = gunzip(data)
		if err != nil {
			return nil, err
		}
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// CloneSession deep-copies a session via a serialize/deserialize round trip,
// so callers can never mutate stored state through a returned reference.
func CloneSession(s *Session) (*Session, error) {
	data, err := MarshalSession(s)
	if err != nil {
		return nil, err
	}
	return UnmarshalSession(data)
}

// compress gzips a serialized record.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// gunzip inflates a gzip-compressed record.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}
	return out, nil
}
