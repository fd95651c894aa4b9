package migrations

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsAreSortedAndPaired(t *testing.T) {
	entries, err := files.ReadDir("sql")
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	require.NotEmpty(t, names)

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	require.Equal(t, sorted, names, "migration files must already be in lexical order")

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	for version := range ups {
		require.Truef(t, downs[version], "migration %s has an up file but no matching down file", version)
	}
	for version := range downs {
		require.Truef(t, ups[version], "migration %s has a down file but no matching up file", version)
	}
}
