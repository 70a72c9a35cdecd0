package transfer_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/transfer"
)

const payload = "0123456789abcdefghijklmnopqrstuvwxyz"

// rangeServer serves payload honoring Range requests and counts hits.
func rangeServer(t *testing.T, hits *int, ranges *[]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++

		if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
			*ranges = append(*ranges, rangeHeader)

			offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"), 10, 64)
			require.NoError(t, err)

			w.Header().Set("Content-Length", strconv.Itoa(len(payload)-int(offset)))
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, payload[offset:])

			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		fmt.Fprint(w, payload)
	}))
}

func TestFetchDownloadsFile(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	engine := transfer.NewEngine(ts.Client())

	path, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, target, path)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	_, err = os.Stat(target + transfer.IncompleteSuffix)
	assert.True(t, os.IsNotExist(err), "temp file must be promoted away")
}

func TestFetchSkipsCompleteFile(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	require.NoError(t, os.WriteFile(target, []byte(payload), 0o644))

	engine := transfer.NewEngine(ts.Client())

	path, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, target, path)
	assert.Zero(t, hits, "a verified local file needs no network traffic")
}

func TestFetchResumesPartialFile(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	require.NoError(t, os.WriteFile(target+transfer.IncompleteSuffix, []byte(payload[:10]), 0o644))

	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.NoError(t, err)

	require.Len(t, ranges, 1)
	assert.Equal(t, "bytes=10-", ranges[0])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always a full 200 response, even for range requests.
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		fmt.Fprint(w, payload)
	}))
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	require.NoError(t, os.WriteFile(target+transfer.IncompleteSuffix, []byte(payload[:10]), 0o644))

	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data), "file must not contain duplicated prefix bytes")
}

func TestFetchDiscardsOversizedPartial(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	require.NoError(t, os.WriteFile(target+transfer.IncompleteSuffix, []byte(payload+"trailing-garbage"), 0o644))

	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.NoError(t, err)

	assert.Empty(t, ranges, "an oversized partial cannot be resumed")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetchFailsOnPersistentTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Claims the full size but always sends less.
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, payload[:10])
	}))
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	engine := transfer.NewEngine(ts.Client(), transfer.WithMaxRetries(3))

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
	})
	require.Error(t, err)

	var downloadErr *transfer.DownloadError

	require.ErrorAs(t, err, &downloadErr)
	assert.Equal(t, ts.URL, downloadErr.Resource)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "no file may appear at the final path")
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer ts.Close()

	engine := transfer.NewEngine(ts.Client(), transfer.WithMaxRetries(1))

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   filepath.Join(t.TempDir(), "scene.zip"),
		ExpectedSize: int64(len(payload)),
	})
	require.Error(t, err)

	var downloadErr *transfer.DownloadError

	require.ErrorAs(t, err, &downloadErr)
}

func TestFetchVerifiesChecksum(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	digest := sha256.Sum256([]byte(payload))

	target := filepath.Join(t.TempDir(), "scene.zip")
	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
		Checksums:    []transfer.Checksum{{Algorithm: "sha256", Value: hex.EncodeToString(digest[:])}},
	})
	require.NoError(t, err)
}

func TestFetchChecksumMismatch(t *testing.T) {
	var (
		hits   int
		ranges []string
	)

	ts := rangeServer(t, &hits, &ranges)
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	engine := transfer.NewEngine(ts.Client(), transfer.WithMaxRetries(2))

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: int64(len(payload)),
		Checksums:    []transfer.Checksum{{Algorithm: "sha256", Value: strings.Repeat("0", 64)}},
	})
	require.Error(t, err)

	var downloadErr *transfer.DownloadError

	require.ErrorAs(t, err, &downloadErr)

	var checksumErr *transfer.ChecksumError

	assert.ErrorAs(t, downloadErr.Err, &checksumErr)

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchSendsExtraHeaders(t *testing.T) {
	var authorization string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		fmt.Fprint(w, payload)
	}))
	defer ts.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer token-1")

	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   filepath.Join(t.TempDir(), "scene.zip"),
		ExpectedSize: int64(len(payload)),
		Header:       header,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", authorization)
}

func TestFetchProbesUnknownSize(t *testing.T) {
	var headHits int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			headHits++
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))

			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		fmt.Fprint(w, payload)
	}))
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "scene.zip")
	engine := transfer.NewEngine(ts.Client())

	_, err := engine.Fetch(context.Background(), transfer.Request{
		URL:          ts.URL,
		TargetPath:   target,
		ExpectedSize: transfer.SizeUnknown,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, headHits)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}
