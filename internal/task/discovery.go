// Package task resolves monitoring targets to process and thread ids
// by scanning /proc.
package task

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Resolver locates processes and their threads.
type Resolver struct {
	log logrus.FieldLogger
}

// NewResolver creates a new Resolver.
func NewResolver(log logrus.FieldLogger) *Resolver {
	return &Resolver{
		log: log.WithField("component", "task"),
	}
}

// FindByComm scans /proc for a process whose comm matches name and
// returns its pid. When several match, the lowest pid wins.
func (r *Resolver) FindByComm(name string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("reading /proc: %w", err)
	}

	matches := make([]int, 0, 4)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a PID directory.
		}

		comm, err := readComm(entry.Name())
		if err != nil {
			continue
		}

		if comm == name {
			matches = append(matches, pid)
		}
	}

	if len(matches) == 0 {
		return 0, fmt.Errorf("no process named %q", name)
	}

	sort.Ints(matches)

	if len(matches) > 1 {
		r.log.WithFields(logrus.Fields{
			"name":  name,
			"count": len(matches),
			"pid":   matches[0],
		}).Warn("Multiple processes match, using lowest pid")
	}

	return matches[0], nil
}

// Threads enumerates the thread ids of a process from
// /proc/<pid>/task.
func (r *Resolver) Threads(pid int) ([]int, error) {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)

	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", taskDir, err)
	}

	tids := make([]int, 0, len(entries))

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		tids = append(tids, tid)
	}

	sort.Ints(tids)

	return tids, nil
}

// Stopped reports whether the task is in a ptrace or job-control stop
// (state T or t in /proc/<tid>/stat).
func Stopped(tid int) (bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", tid))
	if err != nil {
		return false, fmt.Errorf("reading stat for tid %d: %w", tid, err)
	}

	state, err := statState(string(data))
	if err != nil {
		return false, err
	}

	return state == 'T' || state == 't', nil
}

// statState extracts the single-character state field from a
// /proc/<pid>/stat line. The comm field may contain spaces and
// parentheses, so the parse anchors on the last ')'.
func statState(stat string) (byte, error) {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return 0, fmt.Errorf("malformed stat line %q", stat)
	}

	rest := strings.TrimSpace(stat[idx+1:])
	if rest == "" {
		return 0, fmt.Errorf("malformed stat line %q", stat)
	}

	return rest[0], nil
}

// readComm reads the process name from /proc/<pid>/comm or falls back
// to /proc/<pid>/status.
func readComm(pidStr string) (string, error) {
	commPath := filepath.Join("/proc", pidStr, "comm")

	data, err := os.ReadFile(commPath)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	statusPath := filepath.Join("/proc", pidStr, "status")

	f, err := os.Open(statusPath)
	if err != nil {
		return "", fmt.Errorf("reading process info for pid %s: %w", pidStr, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Name:") {
			parts := strings.SplitN(line, "\t", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}

	return "", fmt.Errorf("could not determine process name for pid %s", pidStr)
}
