// Package resolve turns identifier tokens into sets of canonical
// addresses and walks expression trees to evaluate set-algebraic
// recipient expressions over a listdb.Universe.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dtolnay/mailingset/internal/address"
	"github.com/dtolnay/mailingset/internal/listdb"
)

// Set is an unordered collection of canonical addresses.
type Set map[string]struct{}

func NewSet(addrs ...string) Set {
	s := make(Set, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s Set) Union(other Set) Set {
	out := s.Clone()
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s Set) Inter(other Set) Set {
	out := make(Set)
	for k := range s {
		if _, ok := other[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (s Set) Diff(other Set) Set {
	out := make(Set)
	for k := range s {
		if _, ok := other[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Slice returns the set's members in sorted order, for deterministic
// output (relay recipient lists, test assertions).
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UnknownNameError is returned when an identifier is neither a list
// name nor a known alias.
type UnknownNameError struct {
	Identifier string
}

func (e *UnknownNameError) Error() string {
	return fmt.Sprintf("unknown name: %s", e.Identifier)
}

// AmbiguousNameError is returned when an alias resolves to more than
// one distinct canonical address.
type AmbiguousNameError struct {
	Identifier string
	Candidates []string
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("ambiguous name %s: matches %s", e.Identifier, strings.Join(e.Candidates, ", "))
}

// EmptySetError is returned by callers (not Eval itself) once a final,
// top-level expression evaluates to the empty set.
type EmptySetError struct{}

func (e *EmptySetError) Error() string { return "expression resolved to an empty set" }

// Resolver maps identifiers to sets of canonical addresses against a
// fixed Universe, memoizing every list's transitive expansion up
// front at construction time so that steady-state Resolve calls never
// take a lock or recurse.
type Resolver struct {
	u          *listdb.Universe
	expansions map[string]Set
}

// NewResolver precomputes the transitive address set of every list in
// u. The universe's cycle check at construction guarantees this
// terminates; visited is still tracked defensively.
func NewResolver(u *listdb.Universe) (*Resolver, error) {
	r := &Resolver{u: u, expansions: make(map[string]Set, len(u.Lists()))}
	for name := range u.Lists() {
		if _, err := r.expand(name, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) expand(listName string, visiting map[string]bool) (Set, error) {
	if s, ok := r.expansions[listName]; ok {
		return s, nil
	}
	if visiting[listName] {
		// Unreachable in practice: listdb.Build already rejects cycles.
		return nil, &listdb.CycleError{Path: []string{listName}}
	}
	visiting[listName] = true

	list, ok := r.u.List(listName)
	if !ok {
		return nil, &UnknownNameError{Identifier: listName}
	}

	out := make(Set)
	for _, m := range list.Members {
		switch m.Kind {
		case listdb.MemberAddress:
			out[m.Canonical] = struct{}{}
		case listdb.MemberListRef:
			sub, err := r.expand(m.ListName, visiting)
			if err != nil {
				return nil, err
			}
			for a := range sub {
				out[a] = struct{}{}
			}
		}
	}
	r.expansions[listName] = out
	return out, nil
}

// Resolve maps a single identifier token to its set of canonical
// addresses: the precomputed expansion if it names a list, the sole
// candidate if it names an unambiguous alias, or an error.
func (r *Resolver) Resolve(identifier string) (Set, error) {
	key := strings.ToLower(identifier)

	if s, ok := r.expansions[key]; ok {
		return s.Clone(), nil
	}

	entry, ok := r.u.Alias(key)
	if !ok {
		return nil, &UnknownNameError{Identifier: identifier}
	}
	if entry.Ambiguous() {
		return nil, &AmbiguousNameError{Identifier: identifier, Candidates: entry.Candidates}
	}
	return NewSet(entry.Candidates[0]), nil
}

// Eval walks an expression tree, combining resolved identifier sets
// with union, intersection and difference. Intermediate empty sets
// are not an error; the caller decides whether the final result being
// empty should fail the request (see EmptySetError).
func Eval(r *Resolver, n address.Node) (Set, error) {
	switch v := n.(type) {
	case *address.Ref:
		return r.Resolve(v.Identifier)
	case *address.Binary:
		left, err := Eval(r, v.Left)
		if err != nil {
			return nil, err
		}
		right, err := Eval(r, v.Right)
		if err != nil {
			return nil, err
		}
		switch v.Op {
		case address.OpUnion:
			return left.Union(right), nil
		case address.OpInter:
			return left.Inter(right), nil
		case address.OpDiff:
			return left.Diff(right), nil
		}
	}
	return nil, fmt.Errorf("resolve: unknown node type %T", n)
}
