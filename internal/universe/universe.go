// Package universe locates the symbol lists the scanners work from.
package universe

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Default is used when no universe file can be found.
var Default = []string{
	"AAPL", "AMD", "AMZN", "BAC", "COIN", "F", "GOOGL", "INTC", "META", "MARA",
	"MSFT", "MU", "NIO", "NVDA", "PLTR", "RIOT", "SOFI", "SNAP", "T", "TSLA",
	"UBER", "PFE", "RIVN", "LCID", "AAL",
}

// Newest returns the most recently modified file matching pattern, or ""
// when nothing matches.
func Newest(pattern string) (string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	var (
		best    string
		bestMod int64
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = m, mod
		}
	}
	return best, nil
}

// Read reads up to limit symbols, one per line, skipping blanks and #
// comments. limit <= 0 reads everything.
func Read(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if limit > 0 && len(out) >= limit {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.ToUpper(line))
	}
	return out, sc.Err()
}

// Load reads the first pattern that matches a non-empty file, falling back
// to Default. source is the file used, or "default".
func Load(limit int, patterns ...string) (symbols []string, source string, err error) {
	var errs []error
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		path, err := Newest(pattern)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if path == "" {
			continue
		}
		syms, err := Read(path, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		if len(syms) > 0 {
			return syms, path, nil
		}
	}
	n := len(Default)
	if limit > 0 {
		n = min(limit, n)
	}
	return append([]string(nil), Default[:n]...), "default", errors.Join(errs...)
}
