package emulator

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// DefaultArtifact stands in for the account contract artifact the firmware
// keeps gzipped in flash.
const DefaultArtifact = `{
  "name": "EcdsaRAccount",
  "noir_version": "1.0.0-beta.1",
  "functions": [
    {"name": "constructor", "is_unconstrained": false, "custom_attributes": ["initializer"]},
    {"name": "entrypoint", "is_unconstrained": false, "custom_attributes": []},
    {"name": "verify_private_authwit", "is_unconstrained": false, "custom_attributes": []}
  ],
  "outputs": {"globals": {}, "structs": {}}
}`

func compressArtifact(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	zw.Name = "EcdsaRAccount.json"
	if _, err := zw.Write(doc); err != nil {
		return nil, fmt.Errorf("emulator: compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("emulator: compress artifact: %w", err)
	}
	return buf.Bytes(), nil
}
