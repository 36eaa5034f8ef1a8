package resolve

import (
	"context"
	"testing"

	"github.com/dtolnay/mailingset/internal/address"
	"github.com/dtolnay/mailingset/internal/listdb"
)

type fakeProvider map[string][]string

func (f fakeProvider) Lists(ctx context.Context) (map[string][]string, error) {
	return f, nil
}

func buildTestUniverse(t *testing.T) *Resolver {
	t.Helper()
	p := fakeProvider{
		"sf":  {"alice@x", "bob@x"},
		"dog": {"bob@x", "carol@x"},
		"cat": {"alice@x", "dave@x"},
	}
	u, err := listdb.Build(context.Background(), p, map[string]string{"sf": "SF", "dog": "Dog", "cat": "Cat"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := NewResolver(u)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func evalLocal(t *testing.T, r *Resolver, local string) Set {
	t.Helper()
	n, perr := address.Parse(local)
	if perr != nil {
		t.Fatalf("Parse(%q): %v", local, perr)
	}
	s, err := Eval(r, n)
	if err != nil {
		t.Fatalf("Eval(%q): %v", local, err)
	}
	return s
}

func setEqual(a, b Set) bool {
	return len(a.Diff(b)) == 0 && len(b.Diff(a)) == 0
}

func TestScenarioIntersection(t *testing.T) {
	r := buildTestUniverse(t)
	got := evalLocal(t, r, "sf_&_dog")
	want := NewSet("bob@x")
	if !setEqual(got, want) {
		t.Errorf("sf&dog = %v, want %v", got.Slice(), want.Slice())
	}
}

func TestScenarioNestedUnion(t *testing.T) {
	r := buildTestUniverse(t)
	got := evalLocal(t, r, "sf_&_{dog_|_cat}")
	want := NewSet("alice@x", "bob@x")
	if !setEqual(got, want) {
		t.Errorf("sf&(dog|cat) = %v, want %v", got.Slice(), want.Slice())
	}
}

func TestSelfDifferenceIsEmpty(t *testing.T) {
	r := buildTestUniverse(t)
	got := evalLocal(t, r, "sf_-_sf")
	if len(got) != 0 {
		t.Errorf("sf-sf = %v, want empty", got.Slice())
	}
}

func TestUnionIdempotent(t *testing.T) {
	r := buildTestUniverse(t)
	once := evalLocal(t, r, "sf")
	twice := evalLocal(t, r, "sf_|_sf")
	if !setEqual(once, twice) {
		t.Errorf("sf|sf = %v, want %v", twice.Slice(), once.Slice())
	}
}

func TestDisjointIntersectionIsEmpty(t *testing.T) {
	r := buildTestUniverse(t)
	got := evalLocal(t, r, "sf_&_{cat_-_sf}")
	// cat-sf = {dave@x}; sf & {dave@x} = {}
	if len(got) != 0 {
		t.Errorf("expected empty set, got %v", got.Slice())
	}
}

func TestUnknownName(t *testing.T) {
	r := buildTestUniverse(t)
	_, err := r.Resolve("nope")
	if _, ok := err.(*UnknownNameError); !ok {
		t.Fatalf("expected UnknownNameError, got %T: %v", err, err)
	}
}

func TestAmbiguousName(t *testing.T) {
	p := fakeProvider{
		"a": {`"Bob Smith" <bob@x>`},
		"b": {`"Bob Smith" <bob2@x>`},
	}
	u, err := listdb.Build(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := NewResolver(u)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	_, err = r.Resolve("bob")
	if _, ok := err.(*AmbiguousNameError); !ok {
		t.Fatalf("expected AmbiguousNameError, got %T: %v", err, err)
	}
}
