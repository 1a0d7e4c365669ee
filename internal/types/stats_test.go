package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePoolStatsExtractsKnownFields(t *testing.T) {
	raw := RawStats{
		"bytes_total":   float64(1000),
		"bytes_free":    float64(400),
		"bytes_used":    float64(600),
		"percent_used":  60.0,
		"unrelated_key": "ignored",
	}
	got := ParsePoolStats(raw)
	require.Equal(t, PoolStats{SizeBytes: 1000, FreeBytes: 400, UsedBytes: 600, PercentUsed: 60.0}, got)
}

func TestParsePoolStatsToleratesMissingKeys(t *testing.T) {
	got := ParsePoolStats(RawStats{})
	require.Equal(t, PoolStats{}, got)
}

func TestParseVolumeStatsAcceptsIntAndFloatEncodings(t *testing.T) {
	got := ParseVolumeStats(RawStats{"size": int64(2048), "snapshot_count": 3})
	require.Equal(t, VolumeStats{SizeBytes: 2048, SnapshotCount: 3}, got)
}

func TestParseOSDStatsReadsBooleanFlags(t *testing.T) {
	got := ParseOSDStats(RawStats{"weight": 1.5, "in": true, "up": false, "utilization": 42.0})
	require.Equal(t, OSDStats{Weight: 1.5, In: true, Up: false, UtilPercent: 42.0}, got)
}

func TestParseOSDStatsTreatsWrongTypeAsZeroValue(t *testing.T) {
	got := ParseOSDStats(RawStats{"in": "yes", "weight": "not-a-number"})
	require.False(t, got.In)
	require.Zero(t, got.Weight)
}
