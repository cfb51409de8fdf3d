// Package jsonl writes published payloads as newline-delimited JSON, one
// document per line.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Publisher encodes each payload onto w. Topics are not written.
type Publisher struct {
	mu    sync.Mutex
	enc   *json.Encoder
	lines int
}

// New returns a Publisher writing to w.
func New(w io.Writer) *Publisher {
	return &Publisher{enc: json.NewEncoder(w)}
}

// Publish writes payload as one line and returns its line number.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(payload); err != nil {
		return "", fmt.Errorf("write line: %w", err)
	}
	p.lines++
	return fmt.Sprintf("line-%d", p.lines), nil
}

// Lines counts payloads written so far.
func (p *Publisher) Lines() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}
