package types

// PoolStats is the subset of a Pool's RawStats this module actually reads.
type PoolStats struct {
	SizeBytes  int64
	FreeBytes  int64
	UsedBytes  int64
	PercentUsed float64
}

// ParsePoolStats extracts the fields the storage engine's space policy
// consumes, tolerating absent keys (Ceph's own stats shape drifts across
// releases; only these fields are load-bearing here).
func ParsePoolStats(raw RawStats) PoolStats {
	return PoolStats{
		SizeBytes:   int64Of(raw, "bytes_total"),
		FreeBytes:   int64Of(raw, "bytes_free"),
		UsedBytes:   int64Of(raw, "bytes_used"),
		PercentUsed: floatOf(raw, "percent_used"),
	}
}

// VolumeStats is the subset of a Volume's RawStats actually consumed.
type VolumeStats struct {
	SizeBytes     int64
	SnapshotCount int
}

func ParseVolumeStats(raw RawStats) VolumeStats {
	return VolumeStats{
		SizeBytes:     int64Of(raw, "size"),
		SnapshotCount: int(int64Of(raw, "snapshot_count")),
	}
}

// OSDStats is the subset of an OSD's RawStats actually consumed.
type OSDStats struct {
	Weight      float64
	In          bool
	Up          bool
	UtilPercent float64
}

func ParseOSDStats(raw RawStats) OSDStats {
	return OSDStats{
		Weight:      floatOf(raw, "weight"),
		In:          boolOf(raw, "in"),
		Up:          boolOf(raw, "up"),
		UtilPercent: floatOf(raw, "utilization"),
	}
}

func int64Of(raw RawStats, key string) int64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func floatOf(raw RawStats, key string) float64 {
	v, ok := raw[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func boolOf(raw RawStats, key string) bool {
	v, ok := raw[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
