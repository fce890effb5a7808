package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/domain"
)

const sample = `{
  "identity": "node-a",
  "state_dir": "/var/lib/sentryd",
  "tls": {"cert_file": "node.pem", "key_file": "node.key"},
  "domains": [
    {"name": "production", "grants": {"edge": {"read": true}, "core": {"read": true, "command": true}}}
  ],
  "checkables": [
    {"host_name": "h1", "short_name": "ping", "check_command": "check_ping", "max_check_attempts": 3, "domains": ["production"]}
  ]
}`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentryd.json")
	assert.NilError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoadParsesAndValidates(t *testing.T) {
	f, err := Load(writeSample(t))
	assert.NilError(t, err)
	assert.Equal(t, f.Identity, "node-a")
	assert.Equal(t, len(f.Checkables), 1)
	assert.Equal(t, f.Checkables[0].MaxCheckAttempts, 3)
}

func TestLoadRejectsMissingIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	assert.NilError(t, os.WriteFile(path, []byte(`{"state_dir":"x","tls":{"cert_file":"a","key_file":"b"}}`), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "identity")
}

func TestLoadRejectsDuplicateCheckable(t *testing.T) {
	dir := t.TempDir()
	doc := `{
	  "identity": "node-a", "state_dir": "x",
	  "tls": {"cert_file": "a", "key_file": "b"},
	  "checkables": [
	    {"host_name": "h1", "short_name": "ping"},
	    {"host_name": "h1", "short_name": "ping"}
	  ]
	}`
	path := filepath.Join(dir, "dup.json")
	assert.NilError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestBuildDomainsGrantsPrivileges(t *testing.T) {
	f, err := Load(writeSample(t))
	assert.NilError(t, err)

	domains := f.BuildDomains()
	prod, ok := domains["production"]
	assert.Check(t, ok)
	assert.Check(t, prod.Privileges("core").Has(domain.Command))
	assert.Check(t, !prod.Privileges("edge").Has(domain.Command))
	assert.Check(t, prod.Privileges("edge").Has(domain.Read))

	resolved := f.Checkables[0].Resolve(domains)
	assert.Equal(t, len(resolved), 1)
}
