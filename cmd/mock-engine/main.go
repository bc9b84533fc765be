// Package main is a deterministic stand-in for a real coding engine. It is
// meant to be wired as engine.command in process mode: it echoes the task it
// was given, writes a success result artifact, and exits.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/orchestrator"
	"github.com/relaydev/relayd/internal/orchestrator/engine"
)

func main() {
	text := os.Getenv(engine.EnvTaskText)
	resultPath := os.Getenv(engine.EnvResultPath)
	if resultPath == "" {
		fmt.Fprintf(os.Stderr, "%s is not set\n", engine.EnvResultPath)
		os.Exit(1)
	}

	fmt.Printf("mock engine: %s\n", text)

	result := orchestrator.Result{
		Status:  orchestrator.ResultSuccess,
		Summary: "mock engine completed: " + text,
		Details: map[string]string{
			"taskId": os.Getenv(engine.EnvTaskID),
			"repoId": os.Getenv(engine.EnvRepoID),
		},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
	if err := fsutil.WriteFileAtomic(resultPath, payload, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", err)
		os.Exit(1)
	}
}
