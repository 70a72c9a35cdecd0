package transfer

import (
	"archive/zip"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Checksum is one digest declared by a provider for a product.
type Checksum struct {
	Algorithm string
	Value     string
}

// hashers maps provider-declared algorithm names to constructors. Names are
// matched case-insensitively; unknown algorithms are skipped rather than
// failing the whole validation.
var hashers = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"blake3":   func() hash.Hash { return blake3.New() },
}

// VerifyChecksums computes every supported declared digest over the file and
// reports whether at least one matches.
func VerifyChecksums(path string, checksums []Checksum) (bool, error) {
	for _, c := range checksums {
		newHash, ok := hashers[strings.ToLower(c.Algorithm)]
		if !ok {
			continue
		}

		digest, err := fileDigest(path, newHash())
		if err != nil {
			return false, err
		}

		if strings.EqualFold(digest, c.Value) {
			return true, nil
		}
	}

	return false, nil
}

// HasSupportedChecksum reports whether any declared digest uses an algorithm
// the registry knows.
func HasSupportedChecksum(checksums []Checksum) bool {
	for _, c := range checksums {
		if _, ok := hashers[strings.ToLower(c.Algorithm)]; ok {
			return true
		}
	}

	return false
}

func fileDigest(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidZip checks the consistency of a zip archive by walking its central
// directory. Used as the lighter integrity check when checksum validation is
// disabled.
func ValidZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()

	return len(r.File) > 0
}
