package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIStream = ": keep-alive\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Conservative band: \"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"$450,000 – $520,000\\n\"}}]}\r\n\r\n" +
	"event: ping\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Target: $500K-$560K 🏡\"}}]}\n\n" +
	"data: [DONE]\n\n"

const openAIText = "Conservative band: $450,000 – $520,000\nTarget: $500K-$560K 🏡"

func decodeChunks(t *testing.T, chunks [][]byte) (string, *Decoder) {
	t.Helper()
	d := NewDecoder(OpenAIDelta)
	var got strings.Builder
	for _, c := range chunks {
		for _, f := range d.Feed(c) {
			got.WriteString(f)
		}
	}
	for _, f := range d.Close() {
		got.WriteString(f)
	}
	return got.String(), d
}

func TestDecodeWholeStream(t *testing.T) {
	got, d := decodeChunks(t, [][]byte{[]byte(openAIStream)})
	assert.Equal(t, openAIText, got)
	assert.Equal(t, openAIText, d.Text())
	assert.True(t, d.Done())
	assert.Zero(t, d.Skipped())
}

func TestDecodeEverySplitOffset(t *testing.T) {
	raw := []byte(openAIStream)
	for i := 0; i <= len(raw); i++ {
		got, _ := decodeChunks(t, [][]byte{raw[:i], raw[i:]})
		require.Equal(t, openAIText, got, "split at offset %d", i)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	raw := []byte(openAIStream)
	chunks := make([][]byte, 0, len(raw))
	for i := range raw {
		chunks = append(chunks, raw[i:i+1])
	}
	got, _ := decodeChunks(t, chunks)
	assert.Equal(t, openAIText, got)
}

func TestDecodeThreeWaySplits(t *testing.T) {
	raw := []byte(openAIStream)
	for i := 0; i < len(raw); i += 7 {
		for j := i; j < len(raw); j += 11 {
			got, _ := decodeChunks(t, [][]byte{raw[:i], raw[i:j], raw[j:]})
			require.Equal(t, openAIText, got, "splits at %d,%d", i, j)
		}
	}
}

func TestDecodeStateTransitions(t *testing.T) {
	d := NewDecoder(OpenAIDelta)
	assert.Equal(t, AwaitingLine, d.State())

	frags := d.Feed([]byte(`data: {"choices":[{"delta":{"content":"he`))
	assert.Empty(t, frags)
	assert.Equal(t, AwaitingMoreBytes, d.State())

	frags = d.Feed([]byte("llo\"}}]}\n"))
	assert.Equal(t, []string{"hello"}, frags)
	assert.Equal(t, AwaitingLine, d.State())
}

func TestDecodeRebuffersTruncatedPayload(t *testing.T) {
	d := NewDecoder(OpenAIDelta)

	// A frame broken by a stray newline inside its payload.
	frags := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"par\n"))
	assert.Empty(t, frags)
	assert.Equal(t, AwaitingMoreBytes, d.State())

	frags = d.Feed([]byte("tial\"}}]}\n"))
	assert.Equal(t, []string{"partial"}, frags)
	assert.Equal(t, AwaitingLine, d.State())
	assert.Zero(t, d.Skipped())
}

func TestDecodeDropsHeldPayloadOnNewFrame(t *testing.T) {
	d := NewDecoder(OpenAIDelta)
	d.Feed([]byte("data: {\"choices\":[\n"))
	frags := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"next\"}}]}\n"))
	assert.Equal(t, []string{"next"}, frags)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecodeSkipsMalformedFrame(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {not json}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n" +
		"data: [DONE]\n"
	got, d := decodeChunks(t, [][]byte{[]byte(raw)})
	assert.Equal(t, "ab", got)
	assert.Equal(t, 1, d.Skipped())
}

func TestDecodeStopsAtDone(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: [DONE]\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n"
	got, d := decodeChunks(t, [][]byte{[]byte(raw)})
	assert.Equal(t, "a", got)
	assert.True(t, d.Done())
}

func TestDecodeFinalLineWithoutNewline(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}"
	got, d := decodeChunks(t, [][]byte{[]byte(raw)})
	assert.Equal(t, "ab", got)
	assert.False(t, d.Done())
}

func TestAnthropicDelta(t *testing.T) {
	raw := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	got, err := Decode(context.Background(), strings.NewReader(raw), DeltaFor("anthropic"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)
}

func TestDecodeCallback(t *testing.T) {
	var frags []string
	r := iotest.OneByteReader(strings.NewReader(openAIStream))
	got, err := Decode(context.Background(), r, OpenAIDelta, func(f string) {
		frags = append(frags, f)
	})
	require.NoError(t, err)
	assert.Equal(t, openAIText, got)
	assert.Equal(t, openAIText, strings.Join(frags, ""))
	assert.Len(t, frags, 3)
}

func TestDecodeIdempotent(t *testing.T) {
	first, err := Decode(context.Background(), strings.NewReader(openAIStream), OpenAIDelta, nil)
	require.NoError(t, err)
	second, err := Decode(context.Background(), iotest.HalfReader(strings.NewReader(openAIStream)), OpenAIDelta, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeTransportError(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n"),
		iotest.ErrReader(errors.New("connection reset")),
	)
	_, err := Decode(context.Background(), r, OpenAIDelta, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamTransport)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, Retryable(err))
}

type blockingReader struct{ ctx context.Context }

func (b blockingReader) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func TestDecodeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Decode(ctx, blockingReader{ctx}, OpenAIDelta, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	text, err := Decode(ctx, strings.NewReader(openAIStream), OpenAIDelta, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, text)
}

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		kind   Kind
		retry  bool
	}{
		{name: "ok", status: 200},
		{name: "rate limited", status: 429, header: http.Header{"Retry-After": {"12"}}, kind: KindRateLimited, retry: true},
		{name: "quota", status: 402, kind: KindQuotaExhausted},
		{name: "server error", status: 500, kind: KindGenerationFailed, retry: true},
		{name: "bad request", status: 400, kind: KindGenerationFailed, retry: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Header:     tt.header,
				Body:       io.NopCloser(strings.NewReader(`{"error":"nope"}`)),
			}
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			err := FromResponse(resp)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.retry, Retryable(err))

			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Contains(t, se.Error(), "nope")
			if tt.kind == KindRateLimited {
				assert.Equal(t, 12*time.Second, se.RetryAfter)
			}
		})
	}
}
