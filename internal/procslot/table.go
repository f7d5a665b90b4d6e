// Package procslot implements the LTX process-slot table (§3, §4.4): 127
// fixed slots (ids 0..126; id 127 is reserved and has no slot) each carrying run state, the
// program and argv tail for its current or most recent Exec, a private
// environment overlay, and the read end of its child's capture pipe.
//
// The table is owned exclusively by the event loop goroutine (§5: "There
// are no mutexes or condition variables in the design") — it is not
// synchronized and must not be touched concurrently from more than one
// goroutine.
package procslot

import (
	"fmt"
	"os"
)

// NumSlots is the size of the table. Slot ids 0..MaxSlot are valid; 126 is
// the highest usable id because 127 (0x7f) is reserved so the maximum slot
// id still fits a 7-bit fixint alongside the "no slot" marker space.
const NumSlots = 127

// MaxSlot is the highest assignable slot id.
const MaxSlot = NumSlots - 1

// State is a slot's lifecycle stage.
type State uint8

const (
	// StateEmpty is the initial state: never configured, never exec'd.
	StateEmpty State = iota
	// StateConfigured means Env has set overlay entries but no process
	// has ever run in this slot.
	StateConfigured
	// StateRunning means a child process currently occupies this slot.
	StateRunning
	// StateTerminated means the slot's last child has exited and its
	// Result has been emitted; the slot is eligible for reuse.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// maxOverlayEntries bounds each slot's private environment overlay (§6).
const maxOverlayEntries = 255

// Overlay is an ordered, deduplicated set of environment key/value pairs.
// Setting an existing key replaces its value in place (testable property 4:
// Env persistence) without creating a second entry.
type Overlay struct {
	order  []string
	values map[string]string
}

func newOverlay() *Overlay {
	return &Overlay{values: make(map[string]string)}
}

// Set adds or replaces a key. It fails once the overlay already holds
// maxOverlayEntries distinct keys and key is not among them.
func (o *Overlay) Set(key, val string) error {
	if _, exists := o.values[key]; !exists {
		if len(o.order) >= maxOverlayEntries {
			return fmt.Errorf("procslot: overlay already holds the maximum of %d entries", maxOverlayEntries)
		}

		o.order = append(o.order, key)
	}

	o.values[key] = val
	return nil
}

// Pairs renders the overlay as "KEY=VALUE" strings in insertion order.
func (o *Overlay) Pairs() []string {
	out := make([]string, len(o.order))
	for i, k := range o.order {
		out[i] = k + "=" + o.values[k]
	}

	return out
}

// Slot is one row of the process-slot table.
type Slot struct {
	ID    uint8
	State State
	PID   int

	// Path and Tail hold the argv most recently set by Exec: the
	// executed program at Path, followed by Tail's tail arguments.
	Path string
	Tail []string

	Env *Overlay

	// Capture is the read end of the current child's stdout+stderr
	// pipe, or nil when no child is running or its pipe has already
	// hit EOF.
	Capture *os.File
}

// Table is the fixed array of 127 process slots plus the global
// environment overlay and the PID-to-slot reverse index.
type Table struct {
	slots    [NumSlots]Slot
	global   *Overlay
	pidIndex map[int]uint8
}

// New returns an empty table.
func New() *Table {
	t := &Table{
		global:   newOverlay(),
		pidIndex: make(map[int]uint8),
	}

	for i := range t.slots {
		t.slots[i] = Slot{ID: uint8(i), Env: newOverlay()}
	}

	return t
}

// Slot returns a pointer to the slot with the given id, or an error if id
// is out of range.
func (t *Table) Slot(id uint8) (*Slot, error) {
	if id > MaxSlot {
		return nil, fmt.Errorf("procslot: slot id %d exceeds the maximum of %d", id, MaxSlot)
	}

	return &t.slots[id], nil
}

// GlobalEnv returns the overlay representing the executor's own
// environment (Env frames with a nil slot id target this overlay).
func (t *Table) GlobalEnv() *Overlay { return t.global }

// EffectiveEnv returns the environment a new child exec'd into slot id
// should receive: the process's own environment (which global Env updates
// have already been applied to via os.Setenv), overridden by the slot's
// private overlay.
func (t *Table) EffectiveEnv(id uint8, base []string) ([]string, error) {
	slot, err := t.Slot(id)
	if err != nil {
		return nil, err
	}

	env := append([]string(nil), base...)
	env = append(env, slot.Env.Pairs()...)
	return env, nil
}

// BeginExec records a new argv for slot id and marks it running under pid,
// maintaining the PID-to-slot reverse index. It errors if pid is already
// occupying another slot, which would violate slot exclusivity.
func (t *Table) BeginExec(id uint8, path string, tail []string, pid int, capture *os.File) error {
	slot, err := t.Slot(id)
	if err != nil {
		return err
	}

	if existing, ok := t.pidIndex[pid]; ok && existing != id {
		return fmt.Errorf("procslot: pid %d already occupies slot %d", pid, existing)
	}

	slot.Path = path
	slot.Tail = tail
	slot.PID = pid
	slot.State = StateRunning
	slot.Capture = capture
	t.pidIndex[pid] = id
	return nil
}

// LookupPID returns the slot id holding pid, if any.
func (t *Table) LookupPID(pid int) (uint8, bool) {
	id, ok := t.pidIndex[pid]
	return id, ok
}

// MarkTerminated clears the slot's PID and capture pipe and marks it
// terminated and eligible for reuse by a future Exec. It must only be
// called once Result has been appended to the output buffer, per §3's
// atomicity invariant.
func (t *Table) MarkTerminated(id uint8) error {
	slot, err := t.Slot(id)
	if err != nil {
		return err
	}

	delete(t.pidIndex, slot.PID)
	slot.PID = 0
	slot.Capture = nil
	slot.State = StateTerminated
	return nil
}

// CloseCapture clears a slot's capture pipe after it has hit EOF, without
// otherwise changing the slot's state (the slot remains running until its
// Result is emitted, per §4.4 "Child output").
func (t *Table) CloseCapture(id uint8) error {
	slot, err := t.Slot(id)
	if err != nil {
		return err
	}

	slot.Capture = nil
	return nil
}
