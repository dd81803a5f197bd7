package deployhash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/cuemby/hutch/pkg/types"
)

// Bytes returns the hex-encoded BLAKE3 digest of data
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File returns the hex-encoded BLAKE3 digest of the file at path, streamed
// through the hasher in chunks
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Definition returns a stable fingerprint of an application definition.
// Two structurally equal definitions always hash the same.
func Definition(app *types.Application) (string, error) {
	// encoding/json writes map keys sorted, which keeps the output canonical
	data, err := json.Marshal(app)
	if err != nil {
		return "", fmt.Errorf("encoding application %s: %w", app.Name, err)
	}
	return Bytes(data), nil
}

// Compute combines the definition fingerprint, the resolved digest of every
// image (keyed by image reference) and the content hash of the mounted files
// into the deployment hash of an application.
func Compute(app *types.Application, digests map[string]string, filesHash string) (string, error) {
	def, err := Definition(app)
	if err != nil {
		return "", err
	}

	hasher := blake3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			hasher.Write([]byte(p)) //nolint:errcheck
			hasher.Write([]byte{0}) //nolint:errcheck
		}
	}

	write("definition", def)

	refs := make([]string, 0, len(digests))
	for ref := range digests {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		write("image", ref, digests[ref])
	}

	write("files", filesHash)

	// Truncated to fit comfortably in a container label
	return hex.EncodeToString(hasher.Sum(nil))[:32], nil
}
