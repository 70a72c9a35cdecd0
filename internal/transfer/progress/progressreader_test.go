package progress_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/transfer/progress"
)

func TestReaderReportsAtIntervalAndOnEOF(t *testing.T) {
	var reports [][2]int64

	r := progress.NewReader(strings.NewReader("0123456789"), 10, 4, func(written, total int64) {
		reports = append(reports, [2]int64{written, total})
	})

	buf := make([]byte, 2)

	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	// Interval crossings at 4 and 8 bytes, then the tail at end of stream.
	assert.Equal(t, [][2]int64{{4, 10}, {8, 10}, {10, 10}}, reports)
}

func TestReaderPassesUnknownTotalThrough(t *testing.T) {
	var total int64 = 0

	r := progress.NewReader(strings.NewReader("abcdef"), -1, 2, func(_, t int64) {
		total = t
	})

	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)
}

func TestReaderToleratesNilCallback(t *testing.T) {
	r := progress.NewReader(strings.NewReader("abcdef"), 6, 2, nil)

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}
