package tool

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/genji/internal/protocol"
)

// Tool represents an executable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Result is what every dispatch returns, success or not. Open world: handlers
// may attach structured data beyond the fixed fields.
type Result struct {
	Success   bool                   `json:"success"`
	Content   string                 `json:"content,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Error kinds distinguishing failures the model can work around from ones it
// cannot.
const (
	ErrorKindRecoverable = "recoverable"
	ErrorKindFatal       = "fatal"
)

// Encode renders the result as a JSON string for a tool_result block.
func (r *Result) Encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(b)
}

//go:embed aliases.yaml
var aliasesYAML []byte

type aliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// Registry maps names to handlers. Many names can reach one handler: lookup
// tries the exact name, then lowercase, then the declarative alias table.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	aliases map[string]string
	version uint64
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

// Register adds a tool under its lowercase canonical name.
func (r *Registry) Register(t Tool) {
	name := strings.ToLower(strings.TrimSpace(t.Name()))
	if name == "" {
		panic("tool: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	r.version++
}

// LoadAliases parses the embedded alias table and validates every target
// against the registered tools. An unknown target is a startup error, not a
// silent miss at dispatch time.
func (r *Registry) LoadAliases() error {
	var f aliasFile
	if err := yaml.Unmarshal(aliasesYAML, &f); err != nil {
		return fmt.Errorf("parse alias table: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for alias, target := range f.Aliases {
		canonical := strings.ToLower(target)
		if _, ok := r.tools[canonical]; !ok {
			return fmt.Errorf("alias %q points at unregistered tool %q", alias, target)
		}
		r.aliases[strings.ToLower(alias)] = canonical
	}
	r.version++
	return nil
}

// Resolve finds the handler for a requested name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return t, true
	}
	lower := strings.ToLower(name)
	if t, ok := r.tools[lower]; ok {
		return t, true
	}
	if canonical, ok := r.aliases[lower]; ok {
		if t, ok := r.tools[canonical]; ok {
			return t, true
		}
	}
	return nil, false
}

// Has reports whether a name resolves locally. Checked live per batch, so a
// tool registered mid-session routes correctly on the next dispatch.
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Version increments on every mutation; callers caching routing decisions can
// compare it instead of re-listing.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// KnownNames lists canonical tool names, sorted.
func (r *Registry) KnownNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the schema list for outbound requests, deduplicated by
// case-insensitive name.
func (r *Registry) Descriptors() []protocol.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]protocol.ToolDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, protocol.ToolDef{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
