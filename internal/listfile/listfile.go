// Package listfile implements listdb.Provider by reading one file per
// list from a directory, and parses the companion symbols file. This
// filesystem layout is an external collaborator per spec: the core
// only depends on the listdb.Provider interface.
package listfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider reads list definitions from one file per list under Dir.
// The filename (minus any extension) is taken as the list name.
type Provider struct {
	Dir string
}

func New(dir string) Provider {
	return Provider{Dir: dir}
}

// Lists implements listdb.Provider.
func (p Provider) Lists(ctx context.Context) (map[string][]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("listfile: reading %s: %w", p.Dir, err)
	}

	out := make(map[string][]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		lines, err := readLines(filepath.Join(p.Dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("listfile: reading list %q: %w", name, err)
		}
		out[name] = lines
	}
	return out, nil
}

// readLines returns each non-blank, non-comment line of a list file,
// per spec.md §6: "Each non-blank, non-comment line is one of:
// Display Name <addr>, <addr>, bare addr, or a bare list name".
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// LoadSymbols parses a symbols file of "listname:SymbolText" lines,
// lowercasing list names to match listdb's lookup convention. Blank
// lines and lines without a colon are ignored.
func LoadSymbols(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("listfile: reading symbols %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		sym := strings.TrimSpace(line[idx+1:])
		if name == "" || sym == "" {
			continue
		}
		out[name] = sym
	}
	return out, sc.Err()
}
