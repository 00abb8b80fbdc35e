package crawler

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// EncodeBody gzips raw and returns it base64 encoded.
func EncodeBody(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBody reverses EncodeBody.
func DecodeBody(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode body: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip body: %w", err)
	}
	defer zr.Close() //nolint:errcheck // reader close only releases state
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip body: %w", err)
	}
	return raw, nil
}

// DecodedBody returns the raw bytes of a successful payload.
func (p ResultPayload) DecodedBody() ([]byte, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("%w: no body", ErrInvalidPayload)
	}
	if p.BodyEncoding != nil && *p.BodyEncoding != BodyEncodingBase64Gzip {
		return nil, fmt.Errorf("%w: unsupported body encoding %q", ErrInvalidPayload, *p.BodyEncoding)
	}
	return DecodeBody(*p.Body)
}
