package index

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HistoryPath picks the most recently modified shell history file. $HISTFILE
// is considered alongside the usual zsh, bash and fish locations. It returns
// "" when none exists.
func HistoryPath() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".zsh_history"),
		filepath.Join(home, ".bash_history"),
		filepath.Join(home, ".local", "share", "fish", "fish_history"),
	}
	if hf := os.Getenv("HISTFILE"); hf != "" {
		candidates = append([]string{hf}, candidates...)
	}

	var bestPath string
	var bestTime time.Time
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			bestPath = path
		}
	}
	return bestPath
}

// ReadHistory returns up to n of the newest commands in the history file at
// path, oldest first. Consecutive repeats are collapsed. A missing or
// unreadable file yields no commands.
func ReadHistory(path string, n int) []string {
	if path == "" || n <= 0 {
		return nil
	}
	// Read extra lines: fish spends two lines per entry and repeats collapse.
	lines := readLastLines(path, 3*n)

	cmds := make([]string, 0, n)
	for _, line := range lines {
		cmd := parseHistoryLine(line)
		if cmd == "" {
			continue
		}
		if len(cmds) > 0 && cmds[len(cmds)-1] == cmd {
			continue
		}
		cmds = append(cmds, cmd)
	}
	if len(cmds) > n {
		cmds = cmds[len(cmds)-n:]
	}
	return cmds
}

// parseHistoryLine extracts the command from one history line, or "" for
// lines that carry none.
//
//	zsh extended: ": 1234567890:0;git status"
//	fish:         "- cmd: git status" (followed by "  when: ..." lines)
//	bash:         "git status" ("#1234567890" timestamp lines are skipped)
func parseHistoryLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(line, ": "):
		if _, cmd, ok := strings.Cut(line, ";"); ok {
			return strings.TrimSpace(cmd)
		}
	case strings.HasPrefix(line, "- cmd: "):
		return strings.TrimSpace(strings.TrimPrefix(line, "- cmd: "))
	case strings.HasPrefix(line, "when: "), strings.HasPrefix(line, "paths:"):
		return ""
	case line[0] == '#' && isDigits(line[1:]):
		return ""
	}
	return line
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readLastLines returns the last n lines of the file, seeking near the end of
// large files instead of scanning them whole.
func readLastLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}

	// Estimate about 100 bytes per line.
	if estimate := int64(n) * 100; estimate < info.Size() {
		if _, err := f.Seek(-estimate, io.SeekEnd); err == nil {
			r := bufio.NewReader(f)
			r.ReadString('\n') // partial line
			if lines := scanLines(r); len(lines) >= n {
				return lines[len(lines)-n:]
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil
		}
	}

	lines := scanLines(f)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func scanLines(r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
