package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommentMigrationsCascadeFromThreads(t *testing.T) {
	cases := map[string][]string{
		"0001_threads.up.sql": {
			"REFERENCES threads(id) ON DELETE CASCADE",
			"CHECK (comment_count >= 0)",
		},
		"0002_comments.up.sql": {
			"REFERENCES threads(id) ON DELETE CASCADE",
			"ON DELETE SET NULL",
			"DEFERRABLE INITIALLY DEFERRED",
		},
		"0003_reactions.up.sql": {
			"REFERENCES comments(id) ON DELETE CASCADE",
		},
	}
	for name, snippets := range cases {
		sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		sqlText := string(sqlBytes)
		for _, snippet := range snippets {
			if !strings.Contains(sqlText, snippet) {
				t.Fatalf("expected %s to contain %q", name, snippet)
			}
		}
	}
}
