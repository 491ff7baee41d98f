package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"

	"github.com/fentz26/mlflow-exim/internal/manifest"
)

// HashInputs returns the SHA256 of the JSON encoding of inputs, identifying
// an invocation's inputs across reruns.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ImportDir returns the default record directory of an import of inputDir
// into the server at trackingURI.
func ImportDir(inputDir, trackingURI string) string {
	return filepath.Join(inputDir, manifest.ImportsDir, HashInputs(trackingURI)[:16])
}
