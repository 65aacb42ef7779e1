// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talksim/orchestrator/internal/procgroup"
	"github.com/talksim/orchestrator/internal/store"
)

// processView is the debug snapshot of a session's process group.
// Pointer fields render as null when the underlying fact is unknown.
type processView struct {
	SessionID      string           `json:"session_id"`
	Pid            *int             `json:"pid"`
	Pgid           *int             `json:"pgid"`
	IsGroupLeader  *bool            `json:"is_group_leader"`
	IsProcessAlive bool             `json:"is_process_alive"`
	IsGroupAlive   bool             `json:"is_group_alive"`
	ChildProcesses []procgroup.Proc `json:"child_processes"`
	SessionData    *store.Session   `json:"session_data"`
	Errors         []string         `json:"errors"`
}

// handleDebugProcesses inspects process group tracking for a session:
// the recorded pid and pgid, whether process and group still answer
// signal 0, and which processes sit in the group right now.
func (s *Server) handleDebugProcesses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	sess := s.store.GetSession(ctx, sessionID)
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session %s not found", sessionID)
		return
	}

	view := processView{
		SessionID:      sessionID,
		ChildProcesses: []procgroup.Proc{},
		SessionData:    sess,
		Errors:         []string{},
	}

	pid := sess.AgentPID
	if pid == 0 {
		pid, _ = s.store.AgentPid(ctx, sessionID)
	}
	if pid == 0 {
		view.Errors = append(view.Errors, "No PID found in Redis")
		writeJSON(w, http.StatusOK, view)
		return
	}
	view.Pid = &pid

	if sess.AgentPGID > 0 {
		pgid := sess.AgentPGID
		view.Pgid = &pgid
		leader := pgid == pid
		view.IsGroupLeader = &leader
	}

	view.IsProcessAlive = procgroup.Alive(pid)
	if !view.IsProcessAlive {
		view.Errors = append(view.Errors, fmt.Sprintf("Process %d not alive", pid))
	}
	view.IsGroupAlive = procgroup.GroupAlive(pid)
	if !view.IsGroupAlive {
		view.Errors = append(view.Errors, fmt.Sprintf("Process group %d check failed", pid))
	}

	if view.IsProcessAlive {
		group := pid
		if sess.AgentPGID > 0 {
			group = sess.AgentPGID
		}
		if procs := procgroup.ListGroup(group); procs != nil {
			view.ChildProcesses = procs
		}
	}

	writeJSON(w, http.StatusOK, view)
}

type adminSessionView struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	VoiceID         string `json:"voice_id"`
	Status          string `json:"status"`
	IsActive        bool   `json:"is_active"`
	StartTime       *int64 `json:"start_time"`
	DurationSeconds *int64 `json:"duration_seconds"`
	AgentPid        *int   `json:"agent_pid"`
	CreatedAt       *int64 `json:"created_at"`
}

// handleAdminSessions lists every tracked session with a liveness
// verdict, newest conversation first.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessions := []adminSessionView{}
	for _, id := range s.store.ListSessionIds(ctx) {
		sess := s.store.GetSession(ctx, id)
		if sess == nil {
			continue
		}

		view := adminSessionView{
			SessionID: id,
			UserID:    orUnknown(sess.UserName),
			VoiceID:   orUnknown(sess.VoiceID),
			Status:    orUnknown(sess.Status),
		}

		if pid, ok := s.store.AgentPid(ctx, id); ok {
			view.AgentPid = &pid
			view.IsActive = procgroup.Alive(pid)
		}

		if sess.ConversationStart > 0 {
			start := sess.ConversationStart
			view.StartTime = &start
			dur := time.Now().Unix() - start
			if dur < 0 {
				dur = 0
			}
			view.DurationSeconds = &dur
		}

		if created := sess.CreatedAt; created > 0 {
			view.CreatedAt = &created
		} else if sess.StartTime > 0 {
			created := sess.StartTime
			view.CreatedAt = &created
		}

		sessions = append(sessions, view)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return startOrZero(sessions[i]) > startOrZero(sessions[j])
	})

	active := 0
	for _, v := range sessions {
		if v.IsActive {
			active++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":     sessions,
		"total":        len(sessions),
		"active_count": active,
	})
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func startOrZero(v adminSessionView) int64 {
	if v.StartTime == nil {
		return 0
	}
	return *v.StartTime
}

// handleSessionLogs returns the newest entries from the agent's log
// ring. Lines that are not JSON come back wrapped as raw messages.
func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = n
	}

	entries := []any{}
	for _, line := range s.store.AgentLogs(ctx, sessionID, limit) {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err == nil {
			entries = append(entries, parsed)
		} else {
			entries = append(entries, map[string]any{"message": line, "raw": true})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"logs":       entries,
		"count":      len(entries),
	})
}
