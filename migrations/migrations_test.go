package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersions(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, versions)
}

func TestSchemaMatchesStoreColumns(t *testing.T) {
	scans, err := fs.ReadFile(FS, "00001_create_scans.sql")
	require.NoError(t, err)
	for _, col := range []string{"normalized_input", "request_id", "scans_slug_key", "meta"} {
		require.True(t, strings.Contains(string(scans), col), col)
	}

	jobs, err := fs.ReadFile(FS, "00002_create_scan_jobs.sql")
	require.NoError(t, err)
	for _, col := range []string{"complexity", "is_retry", "state", "progress", "started_at"} {
		require.True(t, strings.Contains(string(jobs), col), col)
	}
}
