// Package stream decodes server-sent-event bodies from a model provider into
// an ordered sequence of text deltas.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/dwellwise/dwellwise/pkg/models"
)

// State is the line-assembly state of a Decoder.
type State int

const (
	// AwaitingLine means the buffer holds no complete line yet.
	AwaitingLine State = iota
	// HaveLine means a complete line was cut from the buffer and is being processed.
	HaveLine
	// AwaitingMoreBytes means a partial line or a cut-short frame payload is
	// held until the next bytes arrive.
	AwaitingMoreBytes
)

func (s State) String() string {
	switch s {
	case AwaitingLine:
		return "awaiting_line"
	case HaveLine:
		return "have_line"
	case AwaitingMoreBytes:
		return "awaiting_more_bytes"
	}
	return "unknown"
}

const (
	dataPrefix  = "data:"
	doneMarker  = "[DONE]"
	readSize    = 4096
	maxPending  = 1 << 20
	commentMark = ':'
)

// DeltaFunc extracts the text delta from one decoded frame payload. It
// returns "" with a nil error for frames that carry no text.
type DeltaFunc func(payload []byte) (string, error)

// OpenAIDelta reads choices[0].delta.content.
func OpenAIDelta(payload []byte) (string, error) {
	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

// AnthropicDelta reads delta.text from content_block_delta events.
func AnthropicDelta(payload []byte) (string, error) {
	var evt models.AnthropicStreamEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", err
	}
	if evt.Type != "content_block_delta" || len(evt.Delta) == 0 {
		return "", nil
	}
	var d models.ContentBlockDelta
	if err := json.Unmarshal(evt.Delta, &d); err != nil {
		return "", err
	}
	return d.Text, nil
}

// DeltaFor returns the extractor for a provider type ("openai" or "anthropic").
func DeltaFor(providerType string) DeltaFunc {
	if providerType == "anthropic" {
		return AnthropicDelta
	}
	return OpenAIDelta
}

// Decoder turns arbitrarily chunked event-stream bytes into text fragments.
// A Decoder is single-use and not safe for concurrent use.
type Decoder struct {
	extract DeltaFunc
	state   State
	buf     []byte
	pending []byte
	done    bool
	text    strings.Builder
	skipped int
}

// NewDecoder returns a Decoder using extract to pull text from each frame.
func NewDecoder(extract DeltaFunc) *Decoder {
	if extract == nil {
		extract = OpenAIDelta
	}
	return &Decoder{extract: extract}
}

// State returns the current line-assembly state.
func (d *Decoder) State() State { return d.state }

// Done reports whether the terminal frame has been seen.
func (d *Decoder) Done() bool { return d.done }

// Text returns the fragments accumulated so far, concatenated in arrival order.
func (d *Decoder) Text() string { return d.text.String() }

// Skipped returns how many malformed frames were dropped.
func (d *Decoder) Skipped() int { return d.skipped }

// Feed consumes one chunk and returns the fragments completed by it. Bytes
// after the terminal frame are ignored.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []string
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > 0 || len(d.pending) > 0 {
				d.state = AwaitingMoreBytes
			} else {
				d.state = AwaitingLine
			}
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		d.state = HaveLine
		if frag, ok := d.processLine(line); ok {
			out = append(out, frag)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Close flushes a final unterminated line at end of input and returns any
// fragment it held.
func (d *Decoder) Close() []string {
	if d.done {
		return nil
	}
	var out []string
	if len(d.buf) > 0 {
		line := d.buf
		d.buf = nil
		d.state = HaveLine
		if frag, ok := d.processLine(line); ok {
			out = append(out, frag)
		}
	}
	if len(d.pending) > 0 {
		d.pending = nil
		d.skipped++
	}
	d.state = AwaitingLine
	return out
}

func (d *Decoder) processLine(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})

	if len(d.pending) > 0 {
		if isContinuation(line) {
			payload := append(d.pending, line...)
			d.pending = nil
			return d.processPayload(payload)
		}
		// The held frame never completed.
		d.pending = nil
		d.skipped++
	}

	if len(line) == 0 || line[0] == commentMark {
		d.state = AwaitingLine
		return "", false
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		d.state = AwaitingLine
		return "", false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		d.done = true
		d.state = AwaitingLine
		return "", false
	}
	return d.processPayload(payload)
}

func (d *Decoder) processPayload(payload []byte) (string, bool) {
	frag, err := d.extract(payload)
	if err != nil {
		if truncated(err) && len(payload) < maxPending {
			d.pending = append([]byte(nil), payload...)
			d.state = AwaitingMoreBytes
			return "", false
		}
		d.skipped++
		d.state = AwaitingLine
		return "", false
	}
	d.state = AwaitingLine
	if frag == "" {
		return "", false
	}
	d.text.WriteString(frag)
	return frag, true
}

// isContinuation reports whether line continues a held payload rather than
// starting a new frame.
func isContinuation(line []byte) bool {
	return len(line) > 0 && line[0] != commentMark && !bytes.HasPrefix(line, []byte(dataPrefix))
}

func truncated(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syn *json.SyntaxError
	return errors.As(err, &syn) && strings.Contains(syn.Error(), "unexpected end of JSON input")
}

// Decode reads r to completion, calling onFragment for every fragment in
// arrival order, and returns the accumulated text. A read failure is a
// KindTransport error; an expired deadline is KindGenerationFailed; a
// cancelled context returns ctx.Err() and the partial text is discarded.
func Decode(ctx context.Context, r io.Reader, extract DeltaFunc, onFragment func(string)) (string, error) {
	d := NewDecoder(extract)
	if err := d.Run(ctx, r, onFragment); err != nil {
		return "", err
	}
	return d.Text(), nil
}

// Run feeds r through the decoder until the terminal frame or EOF. Errors
// are classified as for Decode.
func (d *Decoder) Run(ctx context.Context, r io.Reader, onFragment func(string)) error {
	emit := func(frags []string) {
		if onFragment == nil {
			return
		}
		for _, f := range frags {
			onFragment(f)
		}
	}

	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			emit(d.Feed(buf[:n]))
			if d.Done() {
				return nil
			}
		}
		if err == io.EOF {
			emit(d.Close())
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return contextError(ctxErr)
			}
			return Transport(err)
		}
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Failed("generation timed out", err)
	}
	return err
}
