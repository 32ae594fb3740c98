// Package tasks holds the example task classes registered by
// cmd/consumer so the binary has something to run out of the box. Real
// deployments register their own TaskClass implementations instead.
package tasks

import (
	"context"
	"encoding/json"
	"log"

	"github.com/fluxforge/taskforge/internal/registry"
)

// RegisterBuiltins registers the example task classes with reg. Failures
// are logged and skipped rather than propagated: a name collision here
// would only happen if this package were registered twice, which is
// harmless (Register is idempotent for the identical class value).
func RegisterBuiltins(reg *registry.Registry) {
	for _, class := range []registry.TaskClass{
		logMessageClass{},
		heartbeatClass{},
	} {
		if err := reg.Register(class); err != nil {
			log.Printf("tasks: failed to register %s: %v", class.TypeName(), err)
		}
	}
}

type logMessagePayload struct {
	Message string `json:"message"`
}

// logMessageClass logs its payload and returns it unchanged, useful for
// smoke-testing a fresh consumer deployment end to end.
type logMessageClass struct{}

func (logMessageClass) TypeName() string { return "log_message" }

func (logMessageClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	var p logMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	log.Printf("tasks: log_message: %s", p.Message)
	return payload, nil
}

// heartbeatClass activates once a minute via the Periodic Loop and logs a
// liveness line, the consumer-runtime equivalent of the teacher's agent
// heartbeat loop.
type heartbeatClass struct{}

func (heartbeatClass) TypeName() string { return "heartbeat" }

func (heartbeatClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	log.Println("tasks: heartbeat")
	return nil, nil
}

func (heartbeatClass) CronExpr() string { return "* * * * *" }
