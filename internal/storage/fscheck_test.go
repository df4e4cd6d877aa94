package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detector(fsType string, seen *string) func(string) (string, error) {
	return func(path string) (string, error) {
		if seen != nil {
			*seen = path
		}
		return fsType, nil
	}
}

func TestPlacementAllowsLocalFilesystem(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	assert.NoError(t, StateDatabase.check(path, detector("ext4", nil)))
	assert.NoError(t, AgentLock.check(path, detector("apfs", nil)))
}

func TestPlacementRejectsNetworkFilesystem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		placement Placement
		fsType    string
		want      []string
	}{
		{StateDatabase, "nfs", []string{"state database", "nfs", "WAL", "state.path"}},
		{AgentLock, "SMBFS", []string{"agent lock", "SMBFS", "flock", "agent.work_dir"}},
	}
	for _, tt := range tests {
		t.Run(tt.placement.What, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "x")
			err := tt.placement.check(path, detector(tt.fsType, nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNetworkFilesystem)

			var fsErr *FilesystemError
			require.True(t, errors.As(err, &fsErr))
			assert.Equal(t, path, fsErr.Path)
			assert.Equal(t, tt.placement.Setting, fsErr.Setting)
			for _, want := range tt.want {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestPlacementInspectsNearestExistingParent(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	var seen string
	require.NoError(t, StateDatabase.check(filepath.Join(root, "data", "nested", "state.db"), detector("ext4", &seen)))
	assert.Equal(t, root, seen)
}

func TestPlacementUnsupportedDetection(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	err := StateDatabase.check(path, func(string) (string, error) { return "", errDetectUnsupported })
	assert.ErrorIs(t, err, errDetectUnsupported)
	assert.NotErrorIs(t, err, ErrNetworkFilesystem)

	assert.Error(t, StateDatabase.check("", detector("ext4", nil)))
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()
	for fs, want := range map[string]bool{
		"nfs":     true,
		" CIFS ":  true,
		"smb2":    true,
		"ext4":    false,
		"0x6969":  false,
		"overlay": false,
	} {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}

func TestCheckLocalOnTempDir(t *testing.T) {
	t.Parallel()
	assert.NoError(t, StateDatabase.CheckLocal(filepath.Join(t.TempDir(), "state.db")))
}
