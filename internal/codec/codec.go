// Package codec converts entity payloads between their in-memory form
// (JSON objects) and the compressed blobs the version store persists.
// Payloads are opaque to the engine outside of merge-time comparison, so
// they are serialized and gzipped at this single boundary.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/sagaforge/chronicle/internal/common"
)

// MaxPayloadBytes caps the uncompressed size of an entity payload in both
// directions: larger documents are rejected before compression, and stored
// blobs that would inflate past the cap are rejected during decompression.
const MaxPayloadBytes = 10 << 20 // 10 MiB

// ErrPayloadTooLarge matches both itself and common.ErrInvalidInput under
// errors.Is.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d MiB: %w", MaxPayloadBytes>>20, common.ErrInvalidInput)

// Compress serializes a payload object and gzips the result. Nil payloads
// and documents whose serialized form exceeds MaxPayloadBytes are rejected.
func Compress(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload: %w", common.ErrInvalidInput)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a stored blob and parses it back into a payload
// object. Streams that would expand past MaxPayloadBytes fail with
// ErrPayloadTooLarge instead of exhausting memory, so a corrupt or hostile
// blob cannot act as a decompression bomb.
func Decompress(blob []byte) (map[string]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer zr.Close()

	// Read one byte past the cap so oversized streams are detectable
	// without inflating them fully.
	raw, err := io.ReadAll(io.LimitReader(zr, MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", common.ErrInvalidInput)
	}
	return payload, nil
}
