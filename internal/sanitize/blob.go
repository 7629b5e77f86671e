package sanitize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// maxInflatedBytes bounds decompression so a hostile blob cannot balloon
// relay memory.
const maxInflatedBytes = 8 << 20

// DecodeStateBlob verifies the host's state snapshot round-trips through the
// agreed codec: base64 over a raw deflate stream that inflates to a valid
// JSON document. The relay never interprets the document beyond that check.
// Returns the inflated bytes.
func DecodeStateBlob(blob string) ([]byte, error) {
	if blob == "" {
		return nil, fmt.Errorf("empty state blob")
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding state blob: %w", err)
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	inflated, err := io.ReadAll(io.LimitReader(r, maxInflatedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflating state blob: %w", err)
	}
	if len(inflated) > maxInflatedBytes {
		return nil, fmt.Errorf("state blob inflates past %d bytes", maxInflatedBytes)
	}
	if !json.Valid(inflated) {
		return nil, fmt.Errorf("state blob is not a JSON document")
	}
	return inflated, nil
}

// EncodeStateBlob is the inverse of DecodeStateBlob. The relay itself only
// forwards blobs; this exists for tests and tooling.
func EncodeStateBlob(doc []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := w.Write(doc); err != nil {
		return "", fmt.Errorf("deflating state blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing deflate writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
