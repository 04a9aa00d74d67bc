package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/protocol"
)

// UpstreamHTTPError carries a non-2xx upstream response verbatim. The gateway
// never retries these; a malformed tool schema would fail identically forever.
type UpstreamHTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Body)
}

func (e *UpstreamHTTPError) Unwrap() error { return errors.ErrUpstreamHTTP }

// Upstream is one model backend whose native stream is normalized into the
// unified event vocabulary. One implementation per provider; adding a backend
// means adding a type, so no provider can silently skip normalization.
type Upstream interface {
	Name() string
	Stream(ctx context.Context, req *protocol.ChatRequest, emit func(protocol.StreamEvent) error) error
}

// RawStreamer is implemented by an upstream whose wire format already matches
// the unified vocabulary; its body is forwarded byte-for-byte.
type RawStreamer interface {
	StreamRaw(ctx context.Context, req *protocol.ChatRequest, w io.Writer) error
}

// dedupTools removes duplicate schemas by case-insensitive name. Earlier
// entries win, so locally registered tools shadow remote duplicates.
func dedupTools(tools []protocol.ToolDef) []protocol.ToolDef {
	seen := make(map[string]bool, len(tools))
	out := make([]protocol.ToolDef, 0, len(tools))
	for _, t := range tools {
		key := strings.ToLower(t.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// synthesizeCallID builds a tool-call id for upstreams that do not assign one.
func synthesizeCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// flattenContent renders a message's blocks to plain text for upstreams whose
// history format is text-only on a given role.
func flattenContent(m protocol.Message) string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == protocol.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
