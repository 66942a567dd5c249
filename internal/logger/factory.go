// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetExecutorLogger returns a logger for the Executor (C9)
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetBuildRunnerLogger returns a logger for the Build Runner (C10)
func GetBuildRunnerLogger() zerolog.Logger {
	return GetLogger("buildrunner")
}

// GetDAGLogger returns a logger for the DAG Engine (C6)
func GetDAGLogger() zerolog.Logger {
	return GetLogger("dag")
}

// GetDispatchLogger returns a logger for the Dispatcher (C12)
func GetDispatchLogger() zerolog.Logger {
	return GetLogger("dispatch")
}

// GetQueueLogger returns a logger for the Build Queue (C14)
func GetQueueLogger() zerolog.Logger {
	return GetLogger("queue")
}

// GetDatabaseLogger returns a logger for store operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetGitLogger returns a logger for SCM operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetContainerLogger returns a logger for container operations
func GetContainerLogger() zerolog.Logger {
	return GetLogger("container")
}

// GetAPILogger returns a logger for the master↔agent HTTP API
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetAgentWorkerLogger returns a logger for the Agent Worker (C15)
func GetAgentWorkerLogger() zerolog.Logger {
	return GetLogger("agentworker")
}

// GetEventBusLogger returns a logger for the Event Bus (C4)
func GetEventBusLogger() zerolog.Logger {
	return GetLogger("eventbus")
}

// GetLeaderLogger returns a logger for Leader Election (C16)
func GetLeaderLogger() zerolog.Logger {
	return GetLogger("leader")
}
