package pktmatch

// Binding is a rule registered on a table.
type Binding struct {
	Table *Table
	Rule  *Rule
}

// RegisterAll registers a rule returned by build on every table, so a
// consumer can watch several capture goroutines at once. build must return
// a distinct rule on every call. On failure the rules registered so far are
// removed again.
func RegisterAll(tables []*Table, build func() *Rule) ([]Binding, error) {
	bindings := make([]Binding, 0, len(tables))
	for _, t := range tables {
		r := build()
		if err := t.Register(r); err != nil {
			DeregisterAll(bindings)
			return nil, err
		}
		bindings = append(bindings, Binding{Table: t, Rule: r})
	}
	return bindings, nil
}

// DeregisterAll removes every binding. It has the same constraints as
// Deregister.
func DeregisterAll(bindings []Binding) {
	for _, b := range bindings {
		b.Table.Deregister(b.Rule)
	}
}
