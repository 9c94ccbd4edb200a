// Package migrations embeds the schema migration files so the migrator and
// tests can run them without external file dependencies.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// FS returns the embedded migration filesystem.
func FS() fs.FS {
	return embedded
}

// Migration filename standard: 001_migration_name.up.sql / .down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// List returns all embedded migration filenames, sorted. Files that do not
// match the naming standard are rejected rather than silently skipped.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !filenameRegex.MatchString(name) {
			return nil, fmt.Errorf("invalid migration filename: %s (expected 001_name.up.sql / 001_name.down.sql)", name)
		}

		files = append(files, name)
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded set: every up file is paired with a down file
// and sequence numbers start at 001 with no gaps.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	directions := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		matches := filenameRegex.FindStringSubmatch(file)

		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("invalid sequence in %s: %w", file, err)
		}

		key := matches[1] + "_" + matches[2]
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][matches[3]] = true
		sequences[seq] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}
