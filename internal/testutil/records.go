package testutil

import (
	"fmt"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Record builds a valid record for device at start (StartTimeLayout).
func Record(id string, device int64, start string, lastPoint int64) types.TestRecord {
	return types.TestRecord{
		ID:                     id,
		DeviceID:               device,
		Name:                   "run " + id,
		DeviceName:             fmt.Sprintf("cell-%d", device),
		StartTime:              types.MustParseTime(start),
		LastDataPointTimestamp: lastPoint,
		Tags:                   []string{"cycling"},
	}
}

// Payload returns deterministic payload bytes for a record version.
func Payload(id string, lastPoint int64) []byte {
	return []byte(fmt.Sprintf("time,voltage\n# %s@%d\n0,3.40\n1,3.41\n", id, lastPoint))
}
