package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBox(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    []float64
		wantErr bool
	}{
		{
			name: "plain coordinates",
			raw:  "-54.0,-12.5,-53.0,-11.5",
			want: []float64{-54.0, -12.5, -53.0, -11.5},
		},
		{
			name: "whitespace tolerated",
			raw:  " -54.0, -12.5 , -53.0, -11.5 ",
			want: []float64{-54.0, -12.5, -53.0, -11.5},
		},
		{
			name:    "too few coordinates",
			raw:     "-54.0,-12.5,-53.0",
			wantErr: true,
		},
		{
			name:    "not a number",
			raw:     "-54.0,south,-53.0,-11.5",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseBBox(tc.raw)

			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
