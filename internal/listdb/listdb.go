// Package listdb builds the immutable universe of mailing lists and
// identifier aliases that the resolver looks names up against. The core
// sees lists only as a mapping from list name to an ordered member
// sequence; how those members were read from disk is the caller's
// concern (see internal/listfile for the filesystem implementation the
// spec places outside the core).
package listdb

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// MemberKind classifies one line of a list definition.
type MemberKind int

const (
	MemberAddress MemberKind = iota
	MemberListRef
)

// Member is one entry of a list, already classified.
type Member struct {
	Kind      MemberKind
	Canonical string // lowercased address, set when Kind == MemberAddress
	Display   string // optional personal name, set when Kind == MemberAddress
	ListName  string // lowercased list name, set when Kind == MemberListRef
}

// List is an ordered member sequence under a name.
type List struct {
	Name    string
	Members []Member
}

// AliasEntry is the addr_index value for a non-list identifier: a
// username, or a first/last/middle/full-name token derived from a
// display name. Candidates holds every canonical address this alias
// has ever been seen to point at; the alias is ambiguous once more
// than one distinct canonical address is recorded.
type AliasEntry struct {
	Candidates []string
}

func (a *AliasEntry) Ambiguous() bool {
	return len(a.Candidates) > 1
}

func (a *AliasEntry) add(canonical string) {
	for _, c := range a.Candidates {
		if c == canonical {
			return
		}
	}
	a.Candidates = append(a.Candidates, canonical)
}

// Provider yields the raw (list-name, member-line) pairs that make up
// the universe. Concrete providers (e.g. a directory of one file per
// list) live outside this package; this interface is the only thing
// the core depends on.
type Provider interface {
	Lists(ctx context.Context) (map[string][]string, error)
}

// Universe is the immutable, read-only snapshot of the configured
// mailing lists and their alias index. It never mutates after Build
// returns.
type Universe struct {
	lists   map[string]*List
	aliases map[string]*AliasEntry
	symbols map[string]string
}

// CycleError reports a list-reference cycle discovered at construction.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle in list references: %s", strings.Join(e.Path, " -> "))
}

// UnknownListRefError reports a list member that refers to a list name
// which was never defined.
type UnknownListRefError struct {
	List      string
	Reference string
}

func (e *UnknownListRefError) Error() string {
	return fmt.Sprintf("list %q references undefined list %q", e.List, e.Reference)
}

// Build parses every provided list, classifies its members, builds the
// alias index, and validates acyclicity. It fails fast on any
// malformed or cyclic input; errors here are fatal at process startup.
func Build(ctx context.Context, p Provider, symbols map[string]string) (*Universe, error) {
	raw, err := p.Lists(ctx)
	if err != nil {
		return nil, fmt.Errorf("listdb: reading lists: %w", err)
	}

	u := &Universe{
		lists:   make(map[string]*List, len(raw)),
		aliases: make(map[string]*AliasEntry),
		symbols: make(map[string]string, len(symbols)),
	}
	for name, sym := range symbols {
		u.symbols[strings.ToLower(name)] = sym
	}

	names := make(map[string]bool, len(raw))
	for name := range raw {
		names[strings.ToLower(name)] = true
	}

	for name, lines := range raw {
		lname := strings.ToLower(name)
		list := &List{Name: lname}
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			member, err := classifyLine(line, names)
			if err != nil {
				return nil, fmt.Errorf("listdb: list %q: %w", lname, err)
			}
			list.Members = append(list.Members, member)
			if member.Kind == MemberAddress {
				u.indexAddress(member)
			} else if !names[member.ListName] {
				return nil, &UnknownListRefError{List: lname, Reference: member.ListName}
			}
		}
		u.lists[lname] = list
	}

	if err := u.checkAcyclic(); err != nil {
		return nil, err
	}

	return u, nil
}

// classifyLine turns one non-blank, non-comment list-definition line
// into a Member: "Display Name" <addr>, bare addr, or a reference to
// another list by name.
func classifyLine(line string, listNames map[string]bool) (Member, error) {
	if strings.Contains(line, "@") {
		addr, err := mail.ParseAddress(line)
		if err != nil {
			return Member{}, fmt.Errorf("invalid member line %q: %w", line, err)
		}
		return Member{
			Kind:      MemberAddress,
			Canonical: strings.ToLower(addr.Address),
			Display:   addr.Name,
		}, nil
	}

	// No '@': either a bare list reference, or a malformed entry.
	ref := strings.ToLower(line)
	if !isIdentifier(ref) {
		return Member{}, fmt.Errorf("invalid list reference %q", line)
	}
	return Member{Kind: MemberListRef, ListName: ref}, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// indexAddress records every alias a display-name address entry is
// reachable by: the username part of the address, and the
// first/last/middle/period-joined tokens of the display name.
func (u *Universe) indexAddress(m Member) {
	u.addAlias(usernameOf(m.Canonical), m.Canonical)

	if m.Display == "" {
		return
	}
	fields := strings.Fields(m.Display)
	if len(fields) == 0 {
		return
	}
	for _, f := range fields {
		u.addAlias(strings.ToLower(f), m.Canonical)
	}
	joined := make([]string, len(fields))
	for i, f := range fields {
		joined[i] = strings.ToLower(f)
	}
	u.addAlias(strings.Join(joined, "."), m.Canonical)
}

func usernameOf(canonical string) string {
	if i := strings.IndexByte(canonical, '@'); i >= 0 {
		return canonical[:i]
	}
	return canonical
}

func (u *Universe) addAlias(key, canonical string) {
	if key == "" {
		return
	}
	e, ok := u.aliases[key]
	if !ok {
		e = &AliasEntry{}
		u.aliases[key] = e
	}
	e.add(canonical)
}

// checkAcyclic performs one DFS-coloring pass over the list-reference
// graph, failing on the first back-edge found.
func (u *Universe) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(u.lists))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &CycleError{Path: append(append([]string{}, path...), name)}
		}
		color[name] = gray
		path = append(path, name)
		list := u.lists[name]
		if list != nil {
			for _, m := range list.Members {
				if m.Kind == MemberListRef {
					if err := visit(m.ListName); err != nil {
						return err
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for name := range u.lists {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Lists returns the set of configured list names.
func (u *Universe) Lists() map[string]*List {
	return u.lists
}

// List looks up one list by (already-lowercased) name.
func (u *Universe) List(name string) (*List, bool) {
	l, ok := u.lists[name]
	return l, ok
}

// Alias looks up a non-list identifier by (already-lowercased) key.
func (u *Universe) Alias(key string) (*AliasEntry, bool) {
	a, ok := u.aliases[key]
	return a, ok
}

// Symbol returns the configured tag symbol for a list name, if any.
func (u *Universe) Symbol(listName string) (string, bool) {
	s, ok := u.symbols[listName]
	return s, ok
}
