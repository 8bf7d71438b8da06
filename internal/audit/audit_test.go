package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginFinishOperation(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	id, err := db.BeginOperation("wipe", "/dev/sdb", `{"table":"GPT"}`)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, db.FinishOperation(id, StatusSucceeded, "", ""))

	ops, err := db.RecentOperations(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, StatusSucceeded, ops[0].Status)
	require.Equal(t, "wipe", ops[0].Operation)
	require.NotNil(t, ops[0].FinishedAt)
}

func TestRecordDeviceSeenUpserts(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RecordDeviceSeen("/dev/sdb", "Samsung SSD", 1_000_000_000))
	require.NoError(t, db.RecordDeviceSeen("/dev/sdb", "Samsung SSD 980", 1_000_000_000))

	devices, err := db.DeviceHistory()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "Samsung SSD 980", devices[0].Model)
}
