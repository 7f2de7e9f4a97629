// Package canonical provides canonical JSON encoding and digests for signed
// model artifacts.
//
// Canonical form:
//   - Object keys sorted lexicographically
//   - Numbers kept exactly as the first encoding wrote them
//   - No insignificant whitespace
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bytes encodes v in canonical form. Encoding the decoded result of Bytes
// again yields the same bytes.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Normalize(raw)
}

// Normalize rewrites an arbitrary JSON document in canonical form.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	// Go's json.Marshal already sorts map keys.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("canonical: re-encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
