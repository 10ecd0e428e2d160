package renderer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// MemorySampler reports the aggregate resident memory of a process tree in bytes
type MemorySampler interface {
	Sample(pid int) (int64, error)
}

// TreeSampler walks /proc on Linux and falls back to ps elsewhere. Every call
// re-walks the tree, so children forked after rendering started are counted.
type TreeSampler struct {
	ProcRoot  string
	PSTimeout time.Duration
}

func NewTreeSampler() *TreeSampler {
	s := &TreeSampler{PSTimeout: 2 * time.Second}
	if runtime.GOOS == "linux" {
		s.ProcRoot = "/proc"
	}
	return s
}

func (s *TreeSampler) Sample(pid int) (int64, error) {
	if s.ProcRoot != "" {
		total, err := s.sampleProc(pid)
		if err == nil {
			return total, nil
		}
	}
	return s.samplePS(pid)
}

func (s *TreeSampler) sampleProc(root int) (int64, error) {
	var total int64
	seen := map[int]bool{root: true}
	queue := []int{root}

	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]

		rss, err := readVMRSS(s.ProcRoot, pid)
		if err != nil {
			if pid == root {
				return 0, err
			}
			// child exited between listing and reading
			continue
		}
		total += rss

		for _, child := range s.children(pid) {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return total, nil
}

// readVMRSS returns VmRSS in bytes. Zombies have no VmRSS line and count as 0.
func readVMRSS(procRoot string, pid int) (int64, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			return 0, nil
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed VmRSS for pid %d: %w", pid, err)
		}
		return kb * 1024, nil
	}
	return 0, nil
}

// children lists direct children from every thread's children file, falling
// back to a ppid scan when the kernel does not expose those files.
func (s *TreeSampler) children(pid int) []int {
	taskDir := filepath.Join(s.ProcRoot, strconv.Itoa(pid), "task")
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}

	var out []int
	found := false
	for _, task := range tasks {
		data, err := os.ReadFile(filepath.Join(taskDir, task.Name(), "children"))
		if err != nil {
			continue
		}
		found = true
		out = append(out, parsePIDs(string(data))...)
	}
	if found {
		return out
	}
	return s.scanChildren(pid)
}

func (s *TreeSampler) scanChildren(parent int) []int {
	entries, err := os.ReadDir(s.ProcRoot)
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.ProcRoot, e.Name(), "stat"))
		if err != nil {
			continue
		}
		if ppid, ok := parseStatPPID(string(data)); ok && ppid == parent {
			out = append(out, pid)
		}
	}
	return out
}

// parseStatPPID reads field 4 of /proc/<pid>/stat. The command name may hold
// spaces and parentheses, so parsing starts after the last ')'.
func parseStatPPID(stat string) (int, bool) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	return ppid, err == nil
}

func parsePIDs(raw string) []int {
	var out []int
	for _, f := range strings.Fields(raw) {
		if pid, err := strconv.Atoi(f); err == nil {
			out = append(out, pid)
		}
	}
	return out
}

type psRow struct {
	ppid int
	rss  int64 // KB
}

func (s *TreeSampler) samplePS(pid int) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.PSTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ps", "-A", "-o", "pid=,ppid=,rss=").Output()
	if err != nil {
		return 0, fmt.Errorf("ps failed: %w", err)
	}
	table := parsePSTable(string(out))
	if _, ok := table[pid]; !ok {
		return 0, fmt.Errorf("process %d not found", pid)
	}
	return sumTree(table, pid) * 1024, nil
}

func parsePSTable(output string) map[int]psRow {
	table := make(map[int]psRow)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		rss, err3 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		table[pid] = psRow{ppid: ppid, rss: rss}
	}
	return table
}

// sumTree adds the RSS (KB) of root and all of its descendants.
func sumTree(table map[int]psRow, root int) int64 {
	kids := make(map[int][]int)
	for pid, row := range table {
		kids[row.ppid] = append(kids[row.ppid], pid)
	}

	var total int64
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		total += table[pid].rss
		for _, k := range kids[pid] {
			if !seen[k] {
				seen[k] = true
				queue = append(queue, k)
			}
		}
	}
	return total
}
