// Package rule turns user-defined watch rules into pktmatch rules and
// counts the frames they match.
package rule

import (
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/pktmatch"
)

// WatchStat reports the hits of one watch: a single rule or a group.
type WatchStat struct {
	Name    string    `json:"name"`
	Rules   []string  `json:"rules"`
	Hits    uint64    `json:"hits"`
	Bytes   uint64    `json:"bytes"`
	LastHit time.Time `json:"last_hit"`
}

type watch struct {
	name      string
	rules     []string
	templates []pktmatch.Rule

	bindings []pktmatch.Binding

	hits    atomic.Uint64
	bytes   atomic.Uint64
	lastHit atomic.Int64
}

// build returns a fresh rule chain from the watch's templates. The tail
// counts the hit; it only runs once every earlier rule matched.
func (w *watch) build() *pktmatch.Rule {
	chain := make([]pktmatch.Rule, len(w.templates))
	copy(chain, w.templates)
	for i := 0; i < len(chain)-1; i++ {
		chain[i].Chain = &chain[i+1]
	}
	tail := &chain[len(chain)-1]
	if !tail.Eth.Empty() {
		tail.OnEth = func(f *pktmatch.Frame, _ *pktmatch.Rule) { w.hit(f) }
	} else {
		tail.OnIP = func(f *pktmatch.Frame, _ *pktmatch.Rule, _ pktmatch.IPv4Header) { w.hit(f) }
	}
	return &chain[0]
}

// hit runs on the capture goroutines.
func (w *watch) hit(f *pktmatch.Frame) {
	w.hits.Add(1)
	w.bytes.Add(uint64(f.OrigLen))
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w.lastHit.Store(ts.UnixNano())
}

type Engine struct {
	watches []*watch
	started bool
}

// NewEngine builds one watch per ungrouped entry and one per group. The
// entries of a group are chained in config order, so a frame counts only
// when it satisfies all of them.
func NewEngine(cfgRules []config.Rule) (*Engine, error) {
	validate := validator.New()
	e := &Engine{}
	groups := make(map[string]*watch)

	for i := range cfgRules {
		cr := &cfgRules[i]
		if err := validate.Struct(cr); err != nil {
			return nil, errors.Wrapf(err, "rule %d (%s)", i, cr)
		}
		m, err := toMatch(cr)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d (%s)", i, cr)
		}

		w := groups[cr.Group]
		if w == nil {
			w = &watch{name: cr.Group}
			if w.name == "" {
				w.name = cr.Description
			}
			if w.name == "" {
				w.name = cr.String()
			}
			e.watches = append(e.watches, w)
			if cr.Group != "" {
				groups[cr.Group] = w
			}
		}
		w.templates = append(w.templates, *m)
		w.rules = append(w.rules, cr.String())
	}
	return e, nil
}

// Start registers every watch on every table. On failure everything
// registered so far is removed again.
func (e *Engine) Start(tables ...*pktmatch.Table) error {
	for i, w := range e.watches {
		bindings, err := pktmatch.RegisterAll(tables, w.build)
		if err != nil {
			for _, done := range e.watches[:i] {
				pktmatch.DeregisterAll(done.bindings)
				done.bindings = nil
			}
			return errors.Wrapf(err, "register watch %q", w.name)
		}
		w.bindings = bindings
		logrus.WithField("rules", w.rules).Debugf("Watch %q registered", w.name)
	}
	e.started = true
	return nil
}

func (e *Engine) Close() error {
	if !e.started {
		return nil
	}
	for _, w := range e.watches {
		pktmatch.DeregisterAll(w.bindings)
		w.bindings = nil
	}
	e.started = false
	return nil
}

// Len returns the number of watches, which is the number of slots the
// engine occupies in each table once started.
func (e *Engine) Len() int {
	return len(e.watches)
}

func (e *Engine) Stats() []WatchStat {
	stats := make([]WatchStat, 0, len(e.watches))
	for _, w := range e.watches {
		s := WatchStat{
			Name:  w.name,
			Rules: w.rules,
			Hits:  w.hits.Load(),
			Bytes: w.bytes.Load(),
		}
		if ns := w.lastHit.Load(); ns != 0 {
			s.LastHit = time.Unix(0, ns)
		}
		stats = append(stats, s)
	}
	return stats
}
