// Package manifest reads pip-style requirements manifests.
//
// The runner never resolves or installs packages itself; it only needs the
// manifest parsed well enough to validate it up front, log what a run is
// about to install, and hand the file to the installer. Supported syntax:
//   - one requirement specifier per line
//   - "#" comments (full-line and trailing)
//   - blank lines
//   - trailing-backslash line continuations
//   - nested "-r"/"--requirement" includes (relative to the including file)
//   - other "-"/"--" option lines (passed through, not treated as packages)
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth bounds -r recursion so a cyclic include fails fast.
const maxIncludeDepth = 8

// Requirement is a single package specifier from a manifest.
type Requirement struct {
	// Raw is the specifier exactly as the installer will see it,
	// e.g. "requests>=2.31,<3" or "pandas==2.2.2".
	Raw string

	// Name is the bare distribution name, for logging. Empty when the
	// specifier is a URL or local path.
	Name string
}

// Manifest is one parsed requirements file, includes flattened.
type Manifest struct {
	Path         string
	Requirements []Requirement

	// Options are installer option lines (e.g. "--index-url ...") kept in
	// order. They are not packages but still part of the manifest contract.
	Options []string
}

// Empty reports whether the manifest declares nothing to install.
func (m *Manifest) Empty() bool {
	return m == nil || (len(m.Requirements) == 0 && len(m.Options) == 0)
}

// Names returns the bare package names in manifest order, skipping
// specifiers without a recognizable name.
func (m *Manifest) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		if r.Name != "" {
			out = append(out, r.Name)
		}
	}
	return out
}

// Load reads and parses the manifest at path, following -r includes.
func Load(path string) (*Manifest, error) {
	m := &Manifest{Path: path}
	seen := map[string]bool{}
	if err := load(m, path, seen, 0); err != nil {
		return nil, err
	}
	return m, nil
}

func load(m *Manifest, path string, seen map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("manifest %s: include depth exceeds %d", path, maxIncludeDepth)
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		if seen[abs] {
			return fmt.Errorf("manifest %s: cyclic include", path)
		}
		seen[abs] = true
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	for _, line := range logicalLines(string(b)) {
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if inc, ok := includeTarget(line); ok {
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(filepath.Dir(path), incPath)
			}
			if err := load(m, incPath, seen, depth+1); err != nil {
				return err
			}
			continue
		}

		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			continue
		}

		m.Requirements = append(m.Requirements, Requirement{Raw: line, Name: specName(line)})
	}
	return nil
}

// logicalLines splits content into lines, joining trailing-backslash
// continuations first.
func logicalLines(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	var cur strings.Builder
	for _, l := range raw {
		trimmed := strings.TrimRight(l, " \t")
		if strings.HasSuffix(trimmed, "\\") {
			cur.WriteString(strings.TrimSuffix(trimmed, "\\"))
			cur.WriteString(" ")
			continue
		}
		cur.WriteString(l)
		out = append(out, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// stripComment removes a trailing "#" comment. Pip only treats "#" as a
// comment at line start or after whitespace, so "pkg#egg" style fragments
// survive.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return line[:i]
		}
	}
	return line
}

func includeTarget(line string) (string, bool) {
	for _, pfx := range []string{"-r ", "-r\t", "--requirement ", "--requirement\t"} {
		if strings.HasPrefix(line, pfx) {
			return strings.TrimSpace(line[len(pfx):]), true
		}
	}
	if strings.HasPrefix(line, "--requirement=") {
		return strings.TrimSpace(line[len("--requirement="):]), true
	}
	return "", false
}

// specName extracts the bare distribution name from a specifier.
func specName(spec string) string {
	// URLs and local paths have no simple name.
	if strings.Contains(spec, "://") || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	end := len(spec)
	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c == '=' || c == '<' || c == '>' || c == '~' || c == '!' ||
			c == '[' || c == ';' || c == '@' || c == ' ' || c == '\t' {
			end = i
			break
		}
	}
	return strings.TrimSpace(spec[:end])
}
