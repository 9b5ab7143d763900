// Package route implements the per-subsystem route tree: a path-segment trie
// matching registered patterns (literals, "*", "**", "{name}" placeholders)
// to handlers, in longest-literal-prefix then priority then registration
// order.
package route

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
)

// fold normalizes a literal path segment so registrations and lookups agree
// regardless of the case a handler was written with ("Echo" vs "echo").
// Wildcards and placeholders are matched structurally and never folded.
var fold = cases.Fold()

func foldSegment(seg string) string { return fold.String(seg) }

// ErrDuplicatePattern is returned by Register when an identical pattern is
// already registered and overwrite was not requested.
var ErrDuplicatePattern = errors.New("route: duplicate pattern")

// HandlerFunc is invoked with the path's extracted named parameters.
type HandlerFunc func(params map[string]string) (interface{}, error)

// RegisterOptions configures a single Register call.
type RegisterOptions struct {
	Priority    int
	Description string
	Overwrite   bool
}

type handlerEntry struct {
	fn          HandlerFunc
	pattern     string
	priority    int
	description string
	regOrder    int
}

type node struct {
	literal   map[string]*node
	wildcard  *node // "*" — matches exactly one segment
	paramName string
	param     *node // "{name}" — matches exactly one segment, binds it
	tail      *handlerEntry
	handler   *handlerEntry
}

func newNode() *node { return &node{literal: make(map[string]*node)} }

// Tree is a per-subsystem route tree. The zero value is not usable; use New.
type Tree struct {
	mu       sync.RWMutex
	root     *node
	regOrder int
	frozen   bool
}

// New builds an empty route tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// Freeze prevents further Register calls from succeeding (spec.md 5: route
// trees are frozen at build). Register after Freeze returns ErrTreeFrozen.
func (t *Tree) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// ErrTreeFrozen is returned by Register once the tree has been frozen.
var ErrTreeFrozen = errors.New("route: tree is frozen")

func splitPattern(pattern string) []string {
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return nil
	}
	return strings.Split(pattern, "/")
}

// Register adds fn at pattern (e.g. "echo", "{id}/update", "*", "**").
// Identical patterns are rejected with ErrDuplicatePattern unless
// opts.Overwrite is set.
func (t *Tree) Register(pattern string, fn HandlerFunc, opts RegisterOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return errors.Wrapf(ErrTreeFrozen, "pattern %q", pattern)
	}

	segments := splitPattern(pattern)
	cur := t.root
	for i, seg := range segments {
		switch {
		case seg == "**":
			if i != len(segments)-1 {
				return errors.Errorf("route: %q: ** must be the final segment", pattern)
			}
			if cur.tail != nil && !opts.Overwrite {
				return errors.Wrapf(ErrDuplicatePattern, "%q", pattern)
			}
			t.regOrder++
			cur.tail = &handlerEntry{fn: fn, pattern: pattern, priority: opts.Priority, description: opts.Description, regOrder: t.regOrder}
			return nil
		case seg == "*":
			if cur.wildcard == nil {
				cur.wildcard = newNode()
			}
			cur = cur.wildcard
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := seg[1 : len(seg)-1]
			if cur.param == nil {
				cur.param = newNode()
			}
			cur.paramName = name
			cur = cur.param
		default:
			key := foldSegment(seg)
			child, ok := cur.literal[key]
			if !ok {
				child = newNode()
				cur.literal[key] = child
			}
			cur = child
		}
	}

	if cur.handler != nil && !opts.Overwrite {
		return errors.Wrapf(ErrDuplicatePattern, "%q", pattern)
	}
	t.regOrder++
	cur.handler = &handlerEntry{fn: fn, pattern: pattern, priority: opts.Priority, description: opts.Description, regOrder: t.regOrder}
	return nil
}

// Match is one candidate yielded by MatchAll: the matched handler, the named
// parameters extracted from the path, the pattern it was registered under,
// and how many literal segments matched (used for the longest-prefix sort).
type Match struct {
	Handler     HandlerFunc
	Params      map[string]string
	Pattern     string
	Priority    int
	Description string

	literalDepth int
	regOrder     int
}

// MatchAll walks path against the tree and returns every matching handler,
// ordered by longest-literal-prefix, then by descending priority, then by
// ascending registration order. An empty result means the path is
// unroutable.
func (t *Tree) MatchAll(path string) []Match {
	t.mu.RLock()
	defer t.mu.RUnlock()

	segments := splitPattern(path)
	var matches []Match
	var walk func(n *node, idx int, depth int, params map[string]string)
	walk = func(n *node, idx int, depth int, params map[string]string) {
		if n.tail != nil {
			cp := cloneParams(params)
			matches = append(matches, matchFrom(n.tail, cp, depth))
		}
		if idx == len(segments) {
			if n.handler != nil {
				cp := cloneParams(params)
				matches = append(matches, matchFrom(n.handler, cp, depth))
			}
			return
		}
		seg := segments[idx]
		if child, ok := n.literal[foldSegment(seg)]; ok {
			walk(child, idx+1, depth+1, params)
		}
		if n.param != nil {
			cp := cloneParams(params)
			cp[n.paramName] = seg
			walk(n.param, idx+1, depth, cp)
		}
		if n.wildcard != nil {
			walk(n.wildcard, idx+1, depth, params)
		}
	}
	walk(t.root, 0, 0, map[string]string{})

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].literalDepth != matches[j].literalDepth {
			return matches[i].literalDepth > matches[j].literalDepth
		}
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].regOrder < matches[j].regOrder
	})
	return matches
}

func matchFrom(h *handlerEntry, params map[string]string, depth int) Match {
	return Match{
		Handler:      h.fn,
		Params:       params,
		Pattern:      h.pattern,
		Priority:     h.priority,
		Description:  h.description,
		literalDepth: depth,
		regOrder:     h.regOrder,
	}
}

func cloneParams(p map[string]string) map[string]string {
	cp := make(map[string]string, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
