package configsync

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestBundleMatchesGlobs(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "hosts.conf"), []byte("host h1 {}"), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	files, err := Bundle(dir, []string{"*.conf"})
	assert.NilError(t, err)
	assert.Equal(t, len(files), 1)
	assert.Equal(t, files["hosts.conf"], "host h1 {}")
}

func TestAcceptRejectsUnlistedSender(t *testing.T) {
	d := New(t.TempDir(), []string{"trusted-master"}, nil)
	err := d.Accept("untrusted-master", FileSet{"a.conf": "x"})
	assert.ErrorContains(t, err, "accept_config")
}

func TestAcceptWritesAndDetectsChange(t *testing.T) {
	var changedFor string
	d := New(t.TempDir(), []string{"trusted-master"}, func(sender string) { changedFor = sender })

	assert.NilError(t, d.Accept("trusted-master", FileSet{"hosts.conf": "v1"}))
	assert.Equal(t, changedFor, "trusted-master")

	changedFor = ""
	assert.NilError(t, d.Accept("trusted-master", FileSet{"hosts.conf": "v1"}))
	assert.Equal(t, changedFor, "", "identical content must not trigger a restart")

	assert.NilError(t, d.Accept("trusted-master", FileSet{"hosts.conf": "v2"}))
	assert.Equal(t, changedFor, "trusted-master")
}

func TestAcceptRemovesOrphanedFiles(t *testing.T) {
	d := New(t.TempDir(), []string{"trusted-master"}, nil)

	assert.NilError(t, d.Accept("trusted-master", FileSet{"a.conf": "1", "b.conf": "2"}))
	dir := d.senderDir("trusted-master")
	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 2)

	assert.NilError(t, d.Accept("trusted-master", FileSet{"a.conf": "1"}))
	entries, err = os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1, "a file dropped from the new bundle must be removed on disk")
}
