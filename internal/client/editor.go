package client

import (
	"sync"

	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

// EchoGuard holds the last content known to be shared by the room. It
// starts at the default document every room is created with.
type EchoGuard struct {
	mu    sync.Mutex
	value string
}

func NewEchoGuard() *EchoGuard {
	return &EchoGuard{value: protocol.DefaultCode}
}

func (g *EchoGuard) Value() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func (g *EchoGuard) Matches(v string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value == v
}

func (g *EchoGuard) Set(v string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Swap stores v and reports whether it differed from the held value
func (g *EchoGuard) Swap(v string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.value == v {
		return false
	}
	g.value = v
	return true
}

// Surface is a local editing surface. Caret positions are rune offsets.
type Surface interface {
	Content() string
	Caret() int
	// Replace swaps the whole content without reporting a local edit
	Replace(content string)
	// SetCaret clamps pos to the content
	SetCaret(pos int)
}

// Buffer is an in-memory Surface. Local edits are reported to the
// change listener; replacements are not.
type Buffer struct {
	mu       sync.Mutex
	content  []rune
	caret    int
	onChange func(string)
}

func NewBuffer(content string) *Buffer {
	r := []rune(content)
	return &Buffer{content: r, caret: len(r)}
}

// OnChange sets the listener for local edits
func (b *Buffer) OnChange(fn func(content string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.content)
}

func (b *Buffer) Caret() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caret
}

func (b *Buffer) Replace(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = []rune(content)
	b.caret = clamp(b.caret, len(b.content))
}

func (b *Buffer) SetCaret(pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caret = clamp(pos, len(b.content))
}

// Set is a local edit of the whole content. The caret stays put.
func (b *Buffer) Set(content string) {
	b.mu.Lock()
	b.content = []rune(content)
	b.caret = clamp(b.caret, len(b.content))
	fn, now := b.onChange, string(b.content)
	b.mu.Unlock()

	if fn != nil {
		fn(now)
	}
}

// Insert is a local edit at the caret. The caret moves past the text.
func (b *Buffer) Insert(text string) {
	b.mu.Lock()
	ins := []rune(text)
	out := make([]rune, 0, len(b.content)+len(ins))
	out = append(out, b.content[:b.caret]...)
	out = append(out, ins...)
	out = append(out, b.content[b.caret:]...)
	b.content = out
	b.caret += len(ins)
	fn, now := b.onChange, string(b.content)
	b.mu.Unlock()

	if fn != nil {
		fn(now)
	}
}

func clamp(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

// Applier brings remote document updates into a Surface
type Applier struct {
	surface Surface
	guard   *EchoGuard
}

func NewApplier(surface Surface, guard *EchoGuard) *Applier {
	return &Applier{surface: surface, guard: guard}
}

// Apply replaces the surface content with code, keeping the caret where it
// was. Updates equal to the last shared value are ignored. Returns whether
// the surface changed.
func (a *Applier) Apply(code string) bool {
	if a.guard.Matches(code) {
		return false
	}
	pos := a.surface.Caret()
	a.surface.Replace(code)
	a.surface.SetCaret(pos)
	a.guard.Set(code)
	return true
}
