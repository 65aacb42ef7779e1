// SPDX-License-Identifier: MIT

//go:build linux

package procgroup

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// listGroup walks /proc and keeps entries whose pgrp field matches.
// Stat lines carry the comm in parentheses which may itself contain
// spaces, so fields are taken after the last closing paren.
func listGroup(pgid int) []Proc {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var procs []Proc
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		p, ok := readStat(pid)
		if !ok || p.Pgid != pgid {
			continue
		}
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })
	return procs
}

func readStat(pid int) (Proc, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return Proc{}, false
	}
	open := bytes.IndexByte(data, '(')
	closing := bytes.LastIndexByte(data, ')')
	if open < 0 || closing < open {
		return Proc{}, false
	}
	comm := string(data[open+1 : closing])
	rest := strings.Fields(string(data[closing+1:]))
	if len(rest) < 3 {
		return Proc{}, false
	}
	ppid, err1 := strconv.Atoi(rest[1])
	pgrp, err2 := strconv.Atoi(rest[2])
	if err1 != nil || err2 != nil {
		return Proc{}, false
	}

	return Proc{Pid: pid, PPid: ppid, Pgid: pgrp, Cmd: cmdline(pid, comm)}, true
}

// cmdline returns the full command line, falling back to the bracketed
// comm for kernel threads and unreadable entries.
func cmdline(pid int, comm string) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil || len(bytes.TrimRight(data, "\x00")) == 0 {
		return "[" + comm + "]"
	}
	return string(bytes.Join(bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0}), []byte(" ")))
}
