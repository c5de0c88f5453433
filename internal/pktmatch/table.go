// Package pktmatch classifies captured frames against consumer-registered
// rules and dispatches matches to the rules' callbacks.
//
// The rule table is lock free. A slot is either empty, occupied by a rule,
// or claimed by the capture goroutine while it evaluates the slot's rule.
// Register and Deregister may be called from any goroutine; Dispatch and
// CycleComplete must only be called from a single capture goroutine.
// Deregister returns only once no callback of the removed rule is running
// or can still start.
package pktmatch

import (
	"errors"
	"sync/atomic"
	"time"
)

// TableSize is the number of rules a Table can hold.
const TableSize = 48

// deregisterBackoff is how long Deregister sleeps when a slot was claimed
// by the capture goroutine during its scan.
const deregisterBackoff = 50 * time.Microsecond

// ErrFull is returned by Register when every slot is occupied. It is a soft
// failure; the caller may retry later.
var ErrFull = errors.New("pktmatch: rule table full")

type slotKind uint8

const (
	slotOccupied slotKind = iota + 1
	slotClaimed
)

type slotEntry struct {
	kind slotKind
	rule *Rule
}

// claimed marks a slot whose rule is being evaluated. It never carries a rule.
var claimed = &slotEntry{kind: slotClaimed}

// Table holds up to TableSize registered rules.
type Table struct {
	slots [TableSize]atomic.Pointer[slotEntry]
	count atomic.Int32
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Register publishes r into the first empty slot. r must be fully built
// before the call and must not already be registered.
func (t *Table) Register(r *Rule) error {
	r.entry = slotEntry{kind: slotOccupied, rule: r}
	for i := range t.slots {
		if t.slots[i].CompareAndSwap(nil, &r.entry) {
			t.count.Add(1)
			return nil
		}
	}
	return ErrFull
}

// Deregister removes r from the table and waits until no evaluation of r is
// in flight. It is a no-op for a rule that is not registered. It must not
// be called from a callback running on the capture goroutine.
func (t *Table) Deregister(r *Rule) {
	for {
		busy := false
		for i := range t.slots {
			// Each slot is read once. A claimed slot may hold r, and a
			// failed CAS means the slot changed under us, so both retry.
			switch cur := t.slots[i].Load(); cur {
			case &r.entry:
				if t.slots[i].CompareAndSwap(cur, nil) {
					t.count.Add(-1)
					return
				}
				busy = true
			case claimed:
				busy = true
			}
			if deregisterScanHook != nil {
				deregisterScanHook(i)
			}
		}
		if !busy {
			return
		}
		time.Sleep(deregisterBackoff)
	}
}

// deregisterScanHook, when set, runs after Deregister has looked at slot i.
var deregisterScanHook func(i int)

// Len returns the number of registered rules.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// Dispatch evaluates every registered rule against f.
func (t *Table) Dispatch(f *Frame) {
	for i := range t.slots {
		e, ok := t.claim(i)
		if !ok {
			continue
		}
		Match(e.rule, f)
		t.slots[i].Store(e)
	}
}

// CycleComplete hands the interval statistics to every registered rule
// that has an OnInterval callback.
func (t *Table) CycleComplete(s *IfaceStats) {
	for i := range t.slots {
		e, ok := t.claim(i)
		if !ok {
			continue
		}
		if e.rule.OnInterval != nil {
			e.rule.OnInterval(s)
		}
		t.slots[i].Store(e)
	}
}

func (t *Table) claim(i int) (*slotEntry, bool) {
	e := t.slots[i].Load()
	if e == nil || e.kind != slotOccupied {
		return nil, false
	}
	if !t.slots[i].CompareAndSwap(e, claimed) {
		return nil, false
	}
	return e, true
}
