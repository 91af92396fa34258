package gather

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	manifestMaxBytes = 512
	projectMaxBytes  = 4096
)

// manifest describes one kind of project file and how to summarize it.
type manifest struct {
	file    string
	label   string
	extract func(content string) string
}

var manifests = []manifest{
	{"go.mod", "go.mod", extractGoMod},
	{"Cargo.toml", "Cargo.toml", extractCargo},
	{"pyproject.toml", "pyproject.toml", extractPyproject},
	{"package.json", "package.json scripts", extractPackageScripts},
	{"Makefile", "Makefile targets", extractMakeTargets},
	{"justfile", "justfile recipes", extractJustRecipes},
}

// lockfiles maps lockfiles to package managers, most specific first.
var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"uv.lock", "uv"},
	{"poetry.lock", "poetry"},
	{"Cargo.lock", "cargo"},
}

// Project summarizes the manifests in dir and, when dir is inside a git
// checkout, at the repository root. Each line is "label: summary".
func Project(dir string) string {
	var lines []string
	root := gitRoot(dir)
	if root != "" && root != dir {
		lines = append(lines, "git root: "+root)
	}

	dirs := []string{dir}
	if root != "" && root != dir {
		dirs = append(dirs, root)
	}
	seen := make(map[string]bool)
	for _, d := range dirs {
		for _, m := range manifests {
			if seen[m.label] {
				continue
			}
			data, err := readSmallFile(filepath.Join(d, m.file))
			if err != nil {
				continue
			}
			if summary := m.extract(data); summary != "" {
				seen[m.label] = true
				lines = append(lines, m.label+": "+truncate(summary, manifestMaxBytes))
			}
		}
	}
	if pm := packageManager(dirs); pm != "" {
		lines = append(lines, "package manager: "+pm)
	}
	return truncate(strings.Join(lines, "\n"), projectMaxBytes)
}

// gitRoot walks up from dir to the nearest directory holding .git.
func gitRoot(dir string) string {
	for d := filepath.Clean(dir); ; {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return ""
		}
		d = parent
	}
}

func packageManager(dirs []string) string {
	for _, d := range dirs {
		for _, lf := range lockfiles {
			if _, err := os.Stat(filepath.Join(d, lf.file)); err == nil {
				return lf.manager
			}
		}
	}
	return ""
}

// readSmallFile reads a regular file of at most 1 MiB.
func readSmallFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() || info.Size() > 1<<20 {
		return "", fmt.Errorf("%s: not a small regular file", path)
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

// extractGoMod returns the module path and Go version.
func extractGoMod(content string) string {
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") || (strings.HasPrefix(line, "go ") && !strings.HasPrefix(line, "go.")) {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ", ")
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Bin []struct {
		Name string `toml:"name"`
	} `toml:"bin"`
	Workspace struct {
		Members []string `toml:"members"`
	} `toml:"workspace"`
}

// extractCargo returns the crate name, binaries and workspace members.
func extractCargo(content string) string {
	var cargo cargoManifest
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, "crate "+cargo.Package.Name)
	}
	for _, bin := range cargo.Bin {
		if bin.Name != "" {
			parts = append(parts, "bin "+bin.Name)
		}
	}
	if len(cargo.Workspace.Members) > 0 {
		parts = append(parts, "workspace "+strings.Join(cargo.Workspace.Members, " "))
	}
	return strings.Join(parts, ", ")
}

type pyprojectManifest struct {
	Project struct {
		Name    string            `toml:"name"`
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name string `toml:"name"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// extractPyproject returns the project name and console scripts.
func extractPyproject(content string) string {
	var py pyprojectManifest
	if _, err := toml.Decode(content, &py); err != nil {
		return ""
	}
	name := py.Project.Name
	if name == "" {
		name = py.Tool.Poetry.Name
	}
	var parts []string
	if name != "" {
		parts = append(parts, "project "+name)
	}
	if len(py.Project.Scripts) > 0 {
		parts = append(parts, "scripts "+strings.Join(sortedKeys(py.Project.Scripts), " "))
	}
	return strings.Join(parts, ", ")
}

// extractPackageScripts returns "name: command" pairs from package.json.
func extractPackageScripts(content string) string {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return ""
	}
	parts := make([]string, 0, len(pkg.Scripts))
	for _, k := range sortedKeys(pkg.Scripts) {
		parts = append(parts, k+": "+pkg.Scripts[k])
	}
	return strings.Join(parts, ", ")
}

// extractMakeTargets returns explicit target names from a Makefile.
func extractMakeTargets(content string) string {
	return strings.Join(ruleNames(content, func(line string) bool {
		return line[0] == '\t' || line[0] == '#' || line[0] == '.'
	}, "$%"), ", ")
}

// extractJustRecipes returns recipe names from a justfile.
func extractJustRecipes(content string) string {
	return strings.Join(ruleNames(content, func(line string) bool {
		return line[0] == '#' || line[0] == ' ' || line[0] == '\t'
	}, "${}()"), ", ")
}

// ruleNames collects the names before ':' on rule lines. It skips lines
// rejected by skip, assignments and names containing any byte of bad.
func ruleNames(content string, skip func(string) bool, bad string) []string {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || skip(line) || strings.Contains(line, ":=") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		if j := strings.IndexByte(line, '='); j >= 0 && j < i {
			continue
		}
		// Recipe parameters ("build target:") belong to the first word.
		fields := strings.Fields(line[:i])
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if strings.ContainsAny(name, bad) || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return strings.ToValidUTF8(s[:maxBytes], "") + "..."
}
