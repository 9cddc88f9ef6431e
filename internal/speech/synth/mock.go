package synth

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

const mockBackend = "mock"

// mp3FrameHeader is MPEG-1 Layer III, 128 kbps, 44.1 kHz, joint stereo.
var mp3FrameHeader = []byte{0xFF, 0xFB, 0x90, 0x64}

// MP3FrameSize is the length of one frame built from mp3FrameHeader.
const MP3FrameSize = 144 * 128000 / 44100

// Mock is a deterministic in-process backend. Delay and Fail let callers
// script slow or failing chunks.
type Mock struct {
	Delay func(req Request) time.Duration
	Fail  func(req Request, attempt int) error

	mu    sync.Mutex
	calls map[int]int
	order []int
}

func NewMock() *Mock {
	return &Mock{calls: make(map[int]int)}
}

func (m *Mock) Name() string        { return mockBackend }
func (m *Mock) Format() AudioFormat { return FormatMP3 }

func (m *Mock) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	attempt := m.record(req.Index)

	if m.Delay != nil {
		if d := m.Delay(req); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Fail != nil {
		if err := m.Fail(req, attempt); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	return MockAudio(req), nil
}

func (m *Mock) record(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[int]int)
	}
	m.calls[index]++
	m.order = append(m.order, index)
	return m.calls[index]
}

// Calls returns how many times chunk index was requested.
func (m *Mock) Calls(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[index]
}

// Order returns chunk indices in the order requests started.
func (m *Mock) Order() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.order...)
}

// MockAudio is the audio Mock returns for req: one frame per eight words,
// filled with a byte derived from the chunk index.
func MockAudio(req Request) []byte {
	frames := 1 + len(strings.Fields(req.Text))/8
	return MP3Frames(frames, byte(req.Index+1))
}

// MP3Frames builds n constant bitrate MP3 frames whose payload bytes are all
// fill.
func MP3Frames(n int, fill byte) []byte {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{fill}, MP3FrameSize-len(mp3FrameHeader))
	for i := 0; i < n; i++ {
		buf.Write(mp3FrameHeader)
		buf.Write(payload)
	}
	return buf.Bytes()
}
