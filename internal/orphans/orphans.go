// Package orphans walks procfs to find every descendant of a pid, the
// admin feed's diagnostic for "did anything my workers spawned outlive
// being tracked by the table." Adapted from msantos-goreap's own /proc
// walk (process.Snapshot + the ps.go descendant walk), trimmed to the
// one fleetd actually needs: a single recursive descendant listing,
// not goreap's pluggable snapshot-strategy abstraction.
package orphans

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Procfs is the default procfs mount point.
const Procfs = "/proc"

// pid is one /proc/<pid>/stat entry's parent relationship.
type pid struct {
	Pid  int
	PPid int
}

// Descendants returns every pid whose ancestry traces back to root,
// found by walking procfs once and following parent links forward.
func Descendants(procfs string, root int) ([]int, error) {
	all, err := snapshot(procfs)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	var walk func(p int)
	walk = func(p int) {
		for _, c := range childrenOf(all, p) {
			if _, ok := seen[c.Pid]; ok {
				continue
			}
			seen[c.Pid] = struct{}{}
			walk(c.Pid)
		}
	}
	walk(root)

	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func childrenOf(all []pid, parent int) []pid {
	var cld []pid
	for _, p := range all {
		if p.PPid == parent {
			cld = append(cld, p)
		}
	}
	return cld
}

func snapshot(procfs string) ([]pid, error) {
	matches, err := filepath.Glob(fmt.Sprintf("%s/[0-9]*/stat", procfs))
	if err != nil {
		return nil, err
	}

	out := make([]pid, 0, len(matches))
	for _, stat := range matches {
		p, err := readStat(stat)
		if err != nil {
			continue // exited between Glob and ReadFile; not a descendant worth reporting
		}
		out = append(out, p)
	}
	return out, nil
}

// readStat parses the pid/ppid fields out of /proc/<pid>/stat. The
// comm field (2nd, parenthesized) may itself contain spaces or
// parentheses, so the split point is the *last* ')' rather than a
// naive field split.
func readStat(name string) (pid, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return pid{}, err
	}
	stat := string(b)

	var p int
	if n, err := fmt.Sscanf(stat, "%d ", &p); err != nil || n != 1 {
		return pid{}, fmt.Errorf("orphans: parse pid from %s", name)
	}

	bracket := strings.LastIndexByte(stat, ')')
	if bracket == -1 {
		return pid{}, fmt.Errorf("orphans: no comm field in %s", name)
	}

	var state byte
	var ppid int
	if n, err := fmt.Sscanf(stat[bracket+1:], " %c %d", &state, &ppid); err != nil || n != 2 {
		return pid{}, fmt.Errorf("orphans: parse ppid from %s", name)
	}
	return pid{Pid: p, PPid: ppid}, nil
}
