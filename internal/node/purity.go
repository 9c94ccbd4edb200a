package node

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ForbiddenImports lists the import prefixes a compute or reducer package may
// never reach for. Anything here is a side-effect channel: process state,
// network, filesystem, databases, or clocks wired to the outside world.
var ForbiddenImports = []string{
	"bufio",
	"database/sql",
	"io/ioutil",
	"net",
	"os",
	"os/exec",
	"syscall",
	"github.com/lib/pq",
	"github.com/segmentio/kafka-go",
	"github.com/onex-io/substrate/internal/bus",
	"github.com/onex-io/substrate/internal/config",
	"github.com/onex-io/substrate/internal/store",
}

// Violation is one forbidden import found in an audited package.
type Violation struct {
	File   string
	Import string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s imports %q", v.File, v.Import)
}

// AuditImports parses every non-test Go file in dir and reports imports that
// match the forbidden list. A prefix matches the exact path or any subpackage
// of it, so "net" also catches "net/http" but not "network".
func AuditImports(dir string, forbidden []string) ([]Violation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	fset := token.NewFileSet()

	var violations []Violation

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}

		path := filepath.Join(dir, name)

		file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		for _, imp := range file.Imports {
			importPath, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				continue
			}

			for _, prefix := range forbidden {
				if importPath == prefix || strings.HasPrefix(importPath, prefix+"/") {
					violations = append(violations, Violation{File: name, Import: importPath})

					break
				}
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File != violations[j].File {
			return violations[i].File < violations[j].File
		}

		return violations[i].Import < violations[j].Import
	})

	return violations, nil
}
