// Package migrations embeds all SQL migration files so the binary is
// self-contained and can run with any working directory.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS

// For returns the concatenated migration SQL for a driver ("sqlite" or
// "postgres"), in lexical file order.
func For(driver string) (string, error) {
	names, err := fs.Glob(FS, fmt.Sprintf("*.%s.sql", driver))
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := FS.ReadFile(name)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}
