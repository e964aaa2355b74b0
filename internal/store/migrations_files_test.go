package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

var migrationName = regexp.MustCompile(`^(\d{4})_([a-z_]+)\.(up|down)\.sql$`)

func TestMigrationFilesArePairedAndContiguous(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pairs := map[int]map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations dir: %s", entry.Name())
		}
		version, _ := strconv.Atoi(match[1])
		if pairs[version] == nil {
			pairs[version] = map[string]string{}
		}
		if _, dup := pairs[version][match[3]]; dup {
			t.Fatalf("duplicate %s migration for version %04d", match[3], version)
		}
		pairs[version][match[3]] = match[2]
	}

	if len(pairs) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version := 1; version <= len(pairs); version++ {
		files, ok := pairs[version]
		if !ok {
			t.Fatalf("version %04d is missing; versions must be contiguous", version)
		}
		if files["up"] == "" || files["down"] == "" {
			t.Fatalf("version %04d needs both up and down files", version)
		}
		if files["up"] != files["down"] {
			t.Fatalf("version %04d up/down names differ: %q vs %q", version, files["up"], files["down"])
		}
	}
}

func TestMigrationsCreateMirrorTables(t *testing.T) {
	want := map[string]string{
		"0001_users.up.sql":            "CREATE TABLE users",
		"0002_snippets.up.sql":         "REFERENCES users(username)",
		"0003_browser_sessions.up.sql": "CREATE TABLE browser_sessions",
	}
	for name, fragment := range want {
		body, err := os.ReadFile(filepath.Join(migrationsDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(body), fragment) {
			t.Fatalf("%s should contain %q", name, fragment)
		}
	}
}
