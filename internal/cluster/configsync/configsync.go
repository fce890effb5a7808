// Package configsync implements the ConfigDistributor of spec.md §4.9:
// on connect, the server side pushes a glob-matched file bundle; the
// receiver validates against an accept list, writes atomically, and
// requests a restart if anything changed.
package configsync

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileSet is the map[relative_path]{content} bundle a Config message
// carries.
type FileSet map[string]string

// Bundle builds the file set pushed to a peer by matching globs against
// baseDir, reading each matched file relative to baseDir.
func Bundle(baseDir string, globs []string) (FileSet, error) {
	out := make(FileSet)
	for _, pattern := range globs {
		matches, err := filepath.Glob(filepath.Join(baseDir, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "configsync: glob %q", pattern)
		}
		for _, m := range matches {
			rel, err := filepath.Rel(baseDir, m)
			if err != nil {
				continue
			}
			content, err := os.ReadFile(m)
			if err != nil {
				return nil, errors.Wrapf(err, "configsync: read %q", m)
			}
			out[rel] = string(content)
		}
	}
	return out, nil
}

// Distributor implements both the push side (Bundle, above, invoked by
// the listener's OnConnected hook) and the receive side (Accept).
type Distributor struct {
	stateDir       string
	acceptConfig   map[string]bool // sender identities this node will accept config from
	onChanged      func(senderIdentity string)
}

// New constructs a Distributor rooted at stateDir (its cluster/config/
// subdirectory holds per-sender bundles). acceptConfig lists the sender
// identities whose Config pushes this node honors.
func New(stateDir string, acceptConfig []string, onChanged func(senderIdentity string)) *Distributor {
	accept := make(map[string]bool, len(acceptConfig))
	for _, id := range acceptConfig {
		accept[id] = true
	}
	return &Distributor{stateDir: stateDir, acceptConfig: accept, onChanged: onChanged}
}

func (d *Distributor) senderDir(senderIdentity string) string {
	h := sha256.Sum256([]byte(senderIdentity))
	return filepath.Join(d.stateDir, "cluster", "config", hex.EncodeToString(h[:]))
}

func pathHash(relativePath string) string {
	h := sha256.Sum256([]byte(relativePath))
	return hex.EncodeToString(h[:])
}

// Accept implements spec.md §4.9's receipt algorithm: validates
// senderIdentity against the accept list, atomically writes each file
// under <state_dir>/cluster/config/<sha256(sender)>/<sha256(path)>,
// removes orphans, and triggers onChanged if anything differed.
func (d *Distributor) Accept(senderIdentity string, files FileSet) error {
	if !d.acceptConfig[senderIdentity] {
		return errors.Errorf("configsync: sender %q is not in accept_config", senderIdentity)
	}

	dir := d.senderDir(senderIdentity)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "configsync: mkdir")
	}

	wantHashes := make(map[string]bool, len(files))
	changed := false

	for relPath, content := range files {
		hash := pathHash(relPath)
		wantHashes[hash] = true

		target := filepath.Join(dir, hash)
		existing, err := os.ReadFile(target)
		if err == nil && string(existing) == content {
			continue // unchanged
		}

		if err := atomicWrite(target, []byte(content)); err != nil {
			return err
		}
		changed = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "configsync: read dir")
	}
	for _, e := range entries {
		if e.Name() == ".tmp" || wantHashes[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrap(err, "configsync: remove orphan")
		}
		changed = true
	}

	if changed && d.onChanged != nil {
		d.onChanged(senderIdentity)
	}
	return nil
}

// atomicWrite writes data to a temp file under the same directory as
// target, then renames it into place, per spec.md §4.9's "write to temp
// then rename" rule.
func atomicWrite(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "configsync: write temp")
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrap(err, "configsync: rename")
	}
	return nil
}
