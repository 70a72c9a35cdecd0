package transfer

import "fmt"

// DownloadError represents a failed transfer after the engine exhausted its
// own retries, or a non-2xx response from the remote archive.
type DownloadError struct {
	Resource   string // URL or scene id being fetched
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Reason     string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *DownloadError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("download error for %s (HTTP %d): %s", e.Resource, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("download error for %s: %s", e.Resource, e.Reason)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IntegrityError reports that the bytes on disk do not match the size the
// remote declared. The offending file is already deleted when this error is
// returned: the final path never holds a truncated file claiming completeness.
type IntegrityError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("downloaded file %s is corrupt: expected %d bytes, got %d", e.Path, e.Expected, e.Actual)
}

// ChecksumError reports that none of the provider-declared digests matched
// the downloaded bytes.
type ChecksumError struct {
	Path string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s", e.Path)
}
