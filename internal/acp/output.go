package acp

import (
	"fmt"
	"strings"
	"sync"
)

// ChunkKind classifies streamed agent message content.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkImage
	ChunkAudio
	ChunkResourceLink
	ChunkResource
	ChunkUnknown
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkImage:
		return "image"
	case ChunkAudio:
		return "audio"
	case ChunkResourceLink:
		return "resource_link"
	case ChunkResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Chunk is one piece of agent message output. Non-text content carries a
// bracketed placeholder in Text.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// IsText reports whether the chunk is literal message text.
func (c Chunk) IsText() bool {
	return c.Kind == ChunkText
}

// ChunkFromBlock converts an ACP content block into a chunk.
func ChunkFromBlock(block map[string]any) Chunk {
	blockType, _ := block["type"].(string)
	switch strings.ToLower(blockType) {
	case "text":
		text, _ := block["text"].(string)
		return Chunk{Kind: ChunkText, Text: text}
	case "image":
		return Chunk{Kind: ChunkImage, Text: "[image]"}
	case "audio":
		return Chunk{Kind: ChunkAudio, Text: "[audio]"}
	case "resource_link":
		uri, _ := block["uri"].(string)
		return Chunk{Kind: ChunkResourceLink, Text: fmt.Sprintf("[resource: %s]", uri)}
	case "resource":
		return Chunk{Kind: ChunkResource, Text: "[resource]"}
	default:
		return Chunk{Kind: ChunkUnknown, Text: "[unknown]"}
	}
}

// OutputStream is an unbounded FIFO of chunks with a single producer (the
// connection's read loop) and a single consumer. Push never blocks.
type OutputStream struct {
	mu    sync.Mutex
	queue []Chunk
	ready chan struct{}
}

func NewOutputStream() *OutputStream {
	return &OutputStream{ready: make(chan struct{}, 1)}
}

// Push appends a chunk and wakes a waiting consumer.
func (s *OutputStream) Push(chunk Chunk) {
	s.mu.Lock()
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// TryRecv pops the oldest chunk without waiting.
func (s *OutputStream) TryRecv() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Chunk{}, false
	}
	chunk := s.queue[0]
	s.queue[0] = Chunk{}
	s.queue = s.queue[1:]
	return chunk, true
}

// Ready receives a value after at least one Push since the last receive.
// It may fire when the queue has already been emptied by TryRecv, so
// consumers must re-check with TryRecv.
func (s *OutputStream) Ready() <-chan struct{} {
	return s.ready
}

// Drain removes and returns every queued chunk.
func (s *OutputStream) Drain() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Len returns the number of queued chunks.
func (s *OutputStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
