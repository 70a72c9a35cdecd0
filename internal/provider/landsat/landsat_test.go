package landsat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenePrefix(t *testing.T) {
	testCases := []struct {
		name    string
		sceneID string
		want    string
		wantErr string
	}{
		{
			name:    "level 1 oli-tirs",
			sceneID: "LC08_L1TP_220069_20240101_20240110_02_T1",
			want:    "collection02/level-1/standard/oli-tirs/2024/220/069/LC08_L1TP_220069_20240101_20240110_02_T1/",
		},
		{
			name:    "level 2 surface reflectance",
			sceneID: "LC09_L2SP_044034_20230715_20230720_02_T1",
			want:    "collection02/level-2/standard/oli-tirs/2023/044/034/LC09_L2SP_044034_20230715_20230720_02_T1/",
		},
		{
			name:    "etm sensor",
			sceneID: "LE07_L1TP_220069_20100101_20100115_02_T1",
			want:    "collection02/level-1/standard/etm/2010/220/069/LE07_L1TP_220069_20100101_20100115_02_T1/",
		},
		{
			name:    "tm sensor",
			sceneID: "LT05_L1TP_220069_19950601_19950610_02_T1",
			want:    "collection02/level-1/standard/tm/1995/220/069/LT05_L1TP_220069_19950601_19950610_02_T1/",
		},
		{
			name:    "too few segments",
			sceneID: "LC08_L1TP_220069",
			wantErr: "malformed landsat scene id",
		},
		{
			name:    "short path row block",
			sceneID: "LC08_L1TP_2269_20240101_20240110_02_T1",
			wantErr: "malformed landsat scene id",
		},
		{
			name:    "unknown sensor",
			sceneID: "LX99_L1TP_220069_20240101_20240110_02_T1",
			wantErr: "unsupported landsat sensor",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scenePrefix(tc.sceneID)

			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSensorDir(t *testing.T) {
	for prefix, want := range map[string]string{
		"LC08": "oli-tirs",
		"LC09": "oli-tirs",
		"LO08": "oli-tirs",
		"LE07": "etm",
		"LT04": "tm",
		"LT05": "tm",
	} {
		got, err := sensorDir(prefix)
		require.NoError(t, err)
		assert.Equal(t, want, got, prefix)
	}

	_, err := sensorDir("LM03")
	require.Error(t, err)
}
