package host

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func writeHostsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write hosts file: %v", err)
	}
	return path
}

func openHostsDB(t *testing.T, rows map[int64]string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "hosts.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE hosts (id INTEGER PRIMARY KEY, hostname TEXT NOT NULL)`); err != nil {
		t.Fatalf("failed to create hosts table: %v", err)
	}
	for id, name := range rows {
		if _, err := db.Exec(`INSERT INTO hosts (id, hostname) VALUES (?, ?)`, id, name); err != nil {
			t.Fatalf("failed to insert host: %v", err)
		}
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

func TestTextFile_TrimsAndSkipsBlankLines(t *testing.T) {
	path := writeHostsFile(t, "google.com\n\n  1.1.1.1  \n# router\n\t\nexample.org")

	hosts, err := TextFile{Path: path}.Hosts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"google.com", "1.1.1.1", "example.org"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %d (%v)", len(want), len(hosts), hosts)
	}
	for i, h := range hosts {
		if h.Identity != want[i] {
			t.Errorf("host %d: expected %q, got %q", i, want[i], h.Identity)
		}
		if h.Persisted {
			t.Errorf("host %q from text file should not carry a persisted id", h.Identity)
		}
	}
}

func TestLoad_DeduplicatesFirstWins(t *testing.T) {
	path := writeHostsFile(t, "google.com\n1.1.1.1\ngoogle.com\n")

	hosts, err := Load(context.Background(), quietLogger(), TextFile{Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	count := 0
	for _, h := range hosts {
		if h.Identity == "google.com" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one google.com, got %d", count)
	}
	if hosts[0].Identity != "google.com" || hosts[1].Identity != "1.1.1.1" {
		t.Errorf("expected source order to be preserved, got %v", Identities(hosts))
	}
}

func TestLoad_AcrossSourcesFirstSourceWins(t *testing.T) {
	db := openHostsDB(t, map[int64]string{7: "printer.local", 9: "google.com"})
	path := writeHostsFile(t, "google.com\nextra.local\n")

	hosts, err := Load(context.Background(), quietLogger(),
		Table{DB: db, Label: "test.db"},
		TextFile{Path: path},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d (%v)", len(hosts), Identities(hosts))
	}

	byName := make(map[string]Host)
	for _, h := range hosts {
		byName[h.Identity] = h
	}
	g := byName["google.com"]
	if !g.Persisted || g.ID != 9 {
		t.Errorf("expected google.com to keep table id 9, got %+v", g)
	}
	if byName["extra.local"].Persisted {
		t.Error("expected extra.local to have no persisted id")
	}
	if hosts[0].Identity != "printer.local" {
		t.Errorf("expected table rows ordered by id first, got %q", hosts[0].Identity)
	}
}

func TestLoad_NoHosts(t *testing.T) {
	path := writeHostsFile(t, "\n\n   \n")

	_, err := Load(context.Background(), quietLogger(), TextFile{Path: path})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if !errors.Is(err, ErrNoHosts) {
		t.Errorf("expected ErrNoHosts, got %v", err)
	}
}

func TestLoad_NoSources(t *testing.T) {
	_, err := Load(context.Background(), nil)
	if !errors.Is(err, ErrNoHosts) {
		t.Errorf("expected ErrNoHosts, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.txt")

	_, err := Load(context.Background(), quietLogger(), TextFile{Path: missing})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Source != missing {
		t.Errorf("expected source %q, got %q", missing, cfgErr.Source)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestTable_MissingTable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	_, err = Load(context.Background(), quietLogger(), Table{DB: db})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Source != "hosts table" {
		t.Errorf("expected default source name, got %q", cfgErr.Source)
	}
}

func TestIdentities(t *testing.T) {
	got := Identities([]Host{{Identity: "a"}, {Identity: "b"}})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected identities: %v", got)
	}
}
