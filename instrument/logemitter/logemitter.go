// Package logemitter is a text/JSON dual-mode instrument.Emitter,
// adapted from the teacher's graph/emit/log.go.
package logemitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/auroraworks/servicethread/instrument"
)

// Emitter writes instrumentation events to a writer, one per line.
type Emitter struct {
	writer   io.Writer
	jsonMode bool
}

// New creates an Emitter. A nil writer defaults to os.Stdout.
func New(writer io.Writer, jsonMode bool) *Emitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &Emitter{writer: writer, jsonMode: jsonMode}
}

func (e *Emitter) Emit(event instrument.Event) {
	if e.jsonMode {
		e.emitJSON(event)
	} else {
		e.emitText(event)
	}
}

func (e *Emitter) emitJSON(event instrument.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		_, _ = fmt.Fprintf(e.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(e.writer, "%s\n", data)
}

func (e *Emitter) emitText(event instrument.Event) {
	_, _ = fmt.Fprintf(e.writer, "[%s] token=%d place=%s toPlace=%s transition=%s marking=%d buffer=%d arc=%q\n",
		event.EventType, event.TokenID, event.PlaceOrTransition, event.ToPlace,
		event.TransitionID, event.Marking, event.Buffer, event.ArcValue)
}

// EmitBatch writes all events in order, one line (one write) per event.
func (e *Emitter) EmitBatch(_ context.Context, events []instrument.Event) error {
	for _, event := range events {
		e.Emit(event)
	}
	return nil
}

// Flush is a no-op: Emitter writes synchronously with no internal buffer.
func (e *Emitter) Flush(_ context.Context) error {
	return nil
}
