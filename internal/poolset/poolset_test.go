package poolset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openpmem/rpmem/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attrWith(sig string, flag uint32) wire.PoolAttr {
	a := wire.PoolAttr{}
	copy(a.Signature[:], sig)
	a.CompatFeatures = flag
	return a
}

func TestCreateRejectsAbsoluteDescriptor(t *testing.T) {
	db := NewDB(t.TempDir(), 0o644)
	_, status, err := db.Create("/etc/passwd", MinPoolSize, nil)
	assert.Equal(t, wire.StatusBadName, status)
	assert.ErrorIs(t, err, ErrAbsoluteDesc)
}

func TestCreateThenOpenRoundTripsAttributes(t *testing.T) {
	root := t.TempDir()
	db := NewDB(root, 0o644)

	attr := attrWith("RPMEM123", 7)
	created, status, err := db.Create("pools/a.set", 4*MinPartSize, &attr)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	assert.False(t, created.NoHeaders)
	assert.Equal(t, attr, created.Attr)
	created.Mapping.Unmap()
	created.file.Close()

	opened, status, err := db.Open("pools/a.set", 0)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	assert.Equal(t, attr, opened.Attr)
	opened.Mapping.Unmap()
	opened.file.Close()
}

func TestCreateWithoutAttrSetsNoHeaders(t *testing.T) {
	db := NewDB(t.TempDir(), 0o644)
	created, status, err := db.Create("pools/b.set", MinPartSize, nil)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	assert.True(t, created.NoHeaders)
	assert.ErrorIs(t, created.CheckOffset(0), ErrHeaderGuarded)
	assert.NoError(t, created.CheckOffset(HeaderGuardSize))
}

func TestSetAttrRoundTripOnFreshOpen(t *testing.T) {
	root := t.TempDir()
	db := NewDB(root, 0o644)

	a := attrWith("RPMEM-A-", 1)
	created, _, err := db.Create("pools/c.set", MinPartSize, &a)
	require.NoError(t, err)

	b := attrWith("RPMEM-B-", 2)
	status, err := db.SetAttr(created, &b)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	created.Mapping.Unmap()
	created.file.Close()

	opened, _, err := db.Open("pools/c.set", 0)
	require.NoError(t, err)
	assert.Equal(t, b, opened.Attr)
	opened.Mapping.Unmap()
	opened.file.Close()
}

func TestRemoveUnlinksParts(t *testing.T) {
	root := t.TempDir()
	db := NewDB(root, 0o644)
	created, _, err := db.Create("pools/d.set", MinPartSize, nil)
	require.NoError(t, err)
	partPath := created.SetFile.ReplicaZero()[0].Path
	created.Mapping.Unmap()
	created.file.Close()

	status, err := db.Remove("pools/d.set", false, true)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
	_, statErr := os.Stat(partPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(root, "pools/d.set"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCheckDirDetectsDuplicatePart(t *testing.T) {
	root := t.TempDir()
	sharedPart := filepath.Join(root, "shared.part")
	require.NoError(t, os.WriteFile(sharedPart, make([]byte, MinPartSize), 0o644))

	writeSet := func(name string) {
		content := "PMEMPOOLSET\n" + "2M " + sharedPart + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	writeSet("x.set")
	writeSet("y.set")

	db := NewDB(root, 0o644)
	err := db.CheckDir()
	assert.ErrorIs(t, err, ErrExists)
}

func TestParseFileSizeSuffixes(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "p.set")
	content := "PMEMPOOLSET\n8M /tmp/part0\nREPLICA\n8M /tmp/part1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, f.Replicas, 2)
	assert.Equal(t, int64(8<<20), f.Replicas[0][0].Size)
}
