package voice

import (
	"strings"
	"sync"
)

// TranscriptBuffer accumulates finalized fragments plus the latest interim
// fragment of the current activation.
type TranscriptBuffer struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

// AddFinal appends settled text and drops the interim fragment it replaces.
func (b *TranscriptBuffer) AddFinal(text string) {
	text = strings.TrimSpace(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interim = ""
	if text != "" {
		b.finals = append(b.finals, text)
	}
}

func (b *TranscriptBuffer) SetInterim(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interim = strings.TrimSpace(text)
}

// Text is the finalized transcript.
func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.finals, " ")
}

// Preview is the finalized transcript followed by the interim fragment.
func (b *TranscriptBuffer) Preview() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := strings.Join(b.finals, " ")
	if b.interim == "" {
		return text
	}
	if text == "" {
		return b.interim
	}
	return text + " " + b.interim
}

func (b *TranscriptBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finals = nil
	b.interim = ""
}
