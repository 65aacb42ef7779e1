// SPDX-License-Identifier: MIT

package store

import "fmt"

// Phase names double as the Redis set keys that index sessions by
// lifecycle stage. Everything else derives from the session id.
const (
	PhaseStarting = "session:starting"
	PhaseReady    = "session:ready"
)

const sessionPrefix = "session:"

func sessionKey(id string) string       { return sessionPrefix + id }
func configKey(id string) string        { return sessionPrefix + id + ":config" }
func userKey(userName string) string    { return sessionPrefix + "user:" + userName }
func agentPidKey(id string) string      { return fmt.Sprintf("agent:%s:pid", id) }
func agentLogFileKey(id string) string  { return fmt.Sprintf("agent:%s:logfile", id) }
func agentLogsKey(id string) string     { return fmt.Sprintf("agent:%s:logs", id) }
func agentHealthKey(id string) string   { return fmt.Sprintf("agent:%s:health", id) }
