package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The compute and reducer packages of the module. Their purity is enforced
// here so a side-effect import fails CI instead of shipping.
var purePackages = []string{
	"../pattern",
	"../decision",
}

func TestPurePackagesHaveNoForbiddenImports(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, dir := range purePackages {
		t.Run(filepath.Base(dir), func(t *testing.T) {
			violations, err := AuditImports(dir, ForbiddenImports)
			require.NoError(t, err)
			assert.Empty(t, violations, "package %s must stay free of side-effect imports", dir)
		})
	}
}

func TestAuditImports_FlagsForbiddenImports(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	src := `package sample

import (
	"fmt"
	"net/http"
	"os"
)

var _ = fmt.Sprint(http.MethodGet, os.Args)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.go"), []byte(src), 0o600))

	// Test files are outside the audit's scope.
	testSrc := `package sample

import "os/exec"

var _ = exec.Command
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample_test.go"), []byte(testSrc), 0o600))

	violations, err := AuditImports(dir, ForbiddenImports)
	require.NoError(t, err)

	require.Len(t, violations, 2)
	assert.Equal(t, Violation{File: "sample.go", Import: "net/http"}, violations[0])
	assert.Equal(t, Violation{File: "sample.go", Import: "os"}, violations[1])
}

func TestAuditImports_PrefixMatchesSubpackagesOnly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	// "netchecks" shares the "net" prefix lexically but is not a subpackage.
	src := `package sample

import (
	"example.com/netchecks"
	"net/url"
)

var _ = netchecks.OK
var _ = url.QueryEscape
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.go"), []byte(src), 0o600))

	violations, err := AuditImports(dir, ForbiddenImports)
	require.NoError(t, err)

	require.Len(t, violations, 1)
	assert.Equal(t, "net/url", violations[0].Import)
}

func TestAuditImports_MissingDirectory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := AuditImports(filepath.Join(t.TempDir(), "nope"), ForbiddenImports)
	assert.Error(t, err)
}
