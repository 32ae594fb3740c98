package events

import (
	"context"
	"encoding/json"
	"log"
)

// LogEmitter writes every event as a JSON line through the standard log
// package. It mirrors the teacher's streaming.LogPublisher: the default,
// dependency-free sink used until a real broker is wired in.
type LogEmitter struct {
	logger *log.Logger
}

// NewLogEmitter returns an Emitter that logs through log.Default().
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: log.Default()}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	e.logger.Printf("[EVENT] %s", string(b))
	return nil
}
