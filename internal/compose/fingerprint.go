package compose

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// Fingerprint computes a content digest for the given compose bytes.
func Fingerprint(body []byte) (digest.Digest, error) {
	if len(body) == 0 {
		return "", errors.New("compose body is empty")
	}
	return digest.FromBytes(body), nil
}

// FingerprintFiles digests the concatenated contents of files in order.
func FingerprintFiles(files []string) (digest.Digest, error) {
	if len(files) == 0 {
		return "", errors.New("no compose files")
	}
	digester := digest.Canonical.Digester()
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", path, err)
		}
		_, err = io.Copy(digester.Hash(), f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	}
	return digester.Digest(), nil
}
