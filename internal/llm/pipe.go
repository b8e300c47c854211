// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"strings"
)

// Writer is the producer side of a reply stream. Providers push deltas
// into it and it takes care of accumulation, the terminal increment and
// closing the channel.
type Writer struct {
	ctx      context.Context
	ch       chan Increment
	content  strings.Builder
	finished bool
}

// NewPipe returns a Writer and the channel it feeds.
func NewPipe(ctx context.Context) (*Writer, <-chan Increment) {
	ch := make(chan Increment, 8)
	return &Writer{ctx: ctx, ch: ch}, ch
}

func (w *Writer) send(inc Increment) bool {
	select {
	case w.ch <- inc:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Delta forwards a fragment. It returns false when the consumer went away.
func (w *Writer) Delta(text string) bool {
	if w.finished || text == "" {
		return !w.finished
	}
	w.content.WriteString(text)
	return w.send(Increment{Delta: text})
}

// Finish sends the terminal increment with the accumulated text plus an
// optional last fragment.
func (w *Writer) Finish(last string) {
	if w.finished {
		return
	}
	w.finished = true
	w.content.WriteString(last)
	w.send(Increment{Delta: last, Done: true, Content: w.content.String()})
}

// Fail sends the error increment.
func (w *Writer) Fail(err error) {
	if w.finished {
		return
	}
	w.finished = true
	w.send(Increment{Err: FromTransport(err)})
}

// Finished reports whether a terminal or error increment was sent.
func (w *Writer) Finished() bool {
	return w.finished
}

// Close ends the stream. A stream closed without Finish or Fail reports
// ErrIncomplete so consumers never wait on a reply that will not come.
func (w *Writer) Close() {
	if !w.finished {
		w.finished = true
		w.send(Increment{Err: ErrIncomplete})
	}
	close(w.ch)
}
