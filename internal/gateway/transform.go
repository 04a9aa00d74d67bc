package gateway

import (
	"sort"

	"github.com/harunnryd/genji/internal/protocol"
)

// transform re-emits a provider-native chunk sequence as unified events,
// incrementally, assigning block indexes in arrival order. One text block at a
// time; tool calls get one block each, keyed by the upstream's slot index.
type transform struct {
	emit      func(protocol.StreamEvent) error
	nextIndex int
	textIndex int
	toolSlots map[int]*toolSlot
	finished  bool
}

type toolSlot struct {
	blockIndex int
	id         string
	name       string
}

func newTransform(emit func(protocol.StreamEvent) error) *transform {
	return &transform{
		emit:      emit,
		textIndex: -1,
		toolSlots: make(map[int]*toolSlot),
	}
}

func (t *transform) begin(model string) error {
	return t.emit(protocol.StreamEvent{
		Type:    protocol.EventMessageStart,
		Message: &protocol.MessageStart{Model: model, Role: "assistant"},
	})
}

func (t *transform) text(s string) error {
	if t.textIndex < 0 {
		t.textIndex = t.nextIndex
		t.nextIndex++
		if err := t.emit(protocol.StreamEvent{
			Type:         protocol.EventContentBlockStart,
			Index:        t.textIndex,
			ContentBlock: &protocol.ContentBlock{Type: protocol.BlockText},
		}); err != nil {
			return err
		}
	}
	return t.emit(protocol.TextDelta(t.textIndex, s))
}

func (t *transform) closeText() error {
	if t.textIndex < 0 {
		return nil
	}
	idx := t.textIndex
	t.textIndex = -1
	return t.emit(protocol.StreamEvent{Type: protocol.EventContentBlockStop, Index: idx})
}

// toolCall handles one function-call fragment. The first fragment for a slot
// opens the block; later fragments append argument JSON.
func (t *transform) toolCall(slot int, id, name, argsFragment string) error {
	s, ok := t.toolSlots[slot]
	if !ok {
		if err := t.closeText(); err != nil {
			return err
		}
		if id == "" {
			id = synthesizeCallID(name)
		}
		s = &toolSlot{blockIndex: t.nextIndex, id: id, name: name}
		t.nextIndex++
		t.toolSlots[slot] = s
		if err := t.emit(protocol.ToolUseStart(s.blockIndex, s.id, s.name)); err != nil {
			return err
		}
	}
	if argsFragment != "" {
		return t.emit(protocol.InputDelta(s.blockIndex, argsFragment))
	}
	return nil
}

func (t *transform) finish(stopReason string) error {
	if t.finished {
		return nil
	}
	t.finished = true

	if err := t.closeText(); err != nil {
		return err
	}

	slots := make([]*toolSlot, 0, len(t.toolSlots))
	for _, s := range t.toolSlots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].blockIndex < slots[j].blockIndex })
	for _, s := range slots {
		if err := t.emit(protocol.StreamEvent{Type: protocol.EventContentBlockStop, Index: s.blockIndex}); err != nil {
			return err
		}
	}

	if err := t.emit(protocol.StreamEvent{
		Type:  protocol.EventMessageDelta,
		Delta: &protocol.Delta{StopReason: stopReason},
	}); err != nil {
		return err
	}
	return t.emit(protocol.StreamEvent{Type: protocol.EventMessageStop})
}
