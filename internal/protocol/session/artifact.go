package session

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// inflate decompresses a gzip, zlib or raw deflate payload, picked from the
// leading bytes.
func inflate(data []byte, limit int64) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case isGzip(data):
		var gz *gzip.Reader
		gz, err = gzip.NewReader(bytes.NewReader(data))
		if err == nil {
			gz.Multistream(false)
			r = gz
		}
	case isZlib(data):
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		r = flate.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("open decompressor: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decompressed artifact exceeds %d bytes", limit)
	}
	return out, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func isZlib(data []byte) bool {
	if len(data) < 2 || data[0]&0x0f != 8 || data[0]>>4 > 7 {
		return false
	}
	return (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// extractJSON keeps the text between the first '{' and the last '}' so that
// padding or garbage around the document does not break parsing.
func extractJSON(text []byte) (json.RawMessage, error) {
	start := bytes.IndexByte(text, '{')
	end := bytes.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no json object in %d decompressed bytes", len(text))
	}
	doc := text[start : end+1]
	if !json.Valid(doc) {
		return nil, fmt.Errorf("artifact is not valid json")
	}
	return json.RawMessage(append([]byte(nil), doc...)), nil
}
