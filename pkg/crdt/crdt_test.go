package crdt

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/studioclass/codesync/pkg/errdefs"
)

func TestLocalEditing(t *testing.T) {
	d := NewWithSite(1)
	if d.Text() != "" || d.Len() != 0 {
		t.Fatalf("fresh document not empty: %q", d.Text())
	}

	if _, err := d.Insert(0, "hello world"); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "hello world" {
		t.Fatalf("got %q", d.Text())
	}

	if _, err := d.Insert(5, ","); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "hello, world" {
		t.Fatalf("got %q", d.Text())
	}

	if _, err := d.Delete(0, 7); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "world" {
		t.Fatalf("got %q", d.Text())
	}

	if _, err := d.Insert(99, "x"); err == nil {
		t.Fatal("insert past end must fail")
	}
	if _, err := d.Delete(3, 10); err == nil {
		t.Fatal("delete past end must fail")
	}
}

func TestUnicodePositions(t *testing.T) {
	d := NewWithSite(1)
	if _, err := d.Insert(0, "héllo 🌍"); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 7 {
		t.Fatalf("Len() = %d, want 7 runes", d.Len())
	}
	if _, err := d.Delete(6, 1); err != nil {
		t.Fatal(err)
	}
	if d.Text() != "héllo " {
		t.Fatalf("got %q", d.Text())
	}
}

func TestUpdateExchange(t *testing.T) {
	a := NewWithSite(1)
	b := NewWithSite(2)

	u, err := a.Insert(0, "func main() {}")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if b.Text() != a.Text() {
		t.Fatalf("replica diverged: %q vs %q", b.Text(), a.Text())
	}

	u2, _ := b.Delete(0, 5)
	if err := a.ApplyUpdate(u2); err != nil {
		t.Fatal(err)
	}
	if a.Text() != "main() {}" {
		t.Fatalf("got %q", a.Text())
	}
}

func TestCommutativity(t *testing.T) {
	base, _ := NewWithSite(9).Insert(0, "shared")

	mk := func(site uint64) *Doc {
		d := NewWithSite(site)
		if err := d.ApplyUpdate(base); err != nil {
			t.Fatal(err)
		}
		return d
	}

	a := mk(1)
	b := mk(2)
	ua, _ := a.Insert(0, "A>")
	ub, _ := b.Insert(6, "<B")

	x := mk(3)
	y := mk(4)
	if err := x.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}
	if err := x.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := y.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := y.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	if x.Text() != y.Text() {
		t.Fatalf("apply order changed result: %q vs %q", x.Text(), y.Text())
	}
}

func TestIdempotentDelivery(t *testing.T) {
	a := NewWithSite(1)
	u, _ := a.Insert(0, "once")
	ud, _ := a.Delete(0, 1)

	b := NewWithSite(2)
	for i := 0; i < 3; i++ {
		if err := b.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
		if err := b.ApplyUpdate(ud); err != nil {
			t.Fatal(err)
		}
	}
	if b.Text() != "nce" {
		t.Fatalf("got %q after duplicate delivery", b.Text())
	}
}

func TestOutOfOrderBuffering(t *testing.T) {
	a := NewWithSite(1)
	u1, _ := a.Insert(0, "ab")
	u2, _ := a.Insert(2, "cd")
	u3, _ := a.Delete(0, 1)

	b := NewWithSite(2)
	if err := b.ApplyUpdate(u3); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u2); err != nil {
		t.Fatal(err)
	}
	if b.Text() != "" {
		t.Fatalf("buffered operations leaked into text: %q", b.Text())
	}
	if b.Pending() == 0 {
		t.Fatal("expected pending operations while causally early")
	}

	if err := b.ApplyUpdate(u1); err != nil {
		t.Fatal(err)
	}
	if b.Text() != "bcd" {
		t.Fatalf("got %q, want %q", b.Text(), "bcd")
	}
	if b.Pending() != 0 {
		t.Fatalf("%d operations still pending after convergence", b.Pending())
	}
}

func TestConcurrentInsertsSameAnchor(t *testing.T) {
	seed, _ := NewWithSite(9).Insert(0, "x")

	a := NewWithSite(1)
	b := NewWithSite(2)
	for _, d := range []*Doc{a, b} {
		if err := d.ApplyUpdate(seed); err != nil {
			t.Fatal(err)
		}
	}

	ua, _ := a.Insert(1, "AAA")
	ub, _ := b.Insert(1, "BBB")
	if err := a.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	if a.Text() != b.Text() {
		t.Fatalf("concurrent same-anchor inserts diverged: %q vs %q", a.Text(), b.Text())
	}
	// Both runs must survive interleaving intact.
	if !strings.Contains(a.Text(), "AAA") || !strings.Contains(a.Text(), "BBB") {
		t.Fatalf("a run was split: %q", a.Text())
	}
}

func TestMalformedUpdateRejectedAtomically(t *testing.T) {
	d := NewWithSite(1)
	if _, err := d.Insert(0, "keep"); err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"empty":          {},
		"bad format":     {0x7f, 0x01},
		"unknown opkind": {updateFormat, 0x01, 0x09},
		"truncated":      {updateFormat, 0x02, opInsert, 0x01},
		"state as update": func() []byte {
			return NewWithSite(2).EncodeState()
		}(),
		"trailing bytes": func() []byte {
			u, _ := NewWithSite(3).Insert(0, "a")
			return append(u, 0xff)
		}(),
		"reserved site": {updateFormat, 0x01, opInsert, 0x00, 0x01, 0x00, 0x00, 'a'},
	}

	for name, payload := range cases {
		err := d.ApplyUpdate(payload)
		if err == nil {
			t.Fatalf("%s: malformed update accepted", name)
		}
		if !errdefs.IsMalformedUpdate(err) {
			t.Fatalf("%s: error not classified malformed: %v", name, err)
		}
		if d.Text() != "keep" {
			t.Fatalf("%s: document mutated by rejected update: %q", name, d.Text())
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := NewWithSite(1)
	if _, err := a.Insert(0, "print('hello')\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Delete(6, 1); err != nil {
		t.Fatal(err)
	}

	b, err := DecodeState(2, a.EncodeState())
	if err != nil {
		t.Fatal(err)
	}
	if b.Text() != a.Text() {
		t.Fatalf("state round trip diverged: %q vs %q", b.Text(), a.Text())
	}

	// The rehydrated replica keeps exchanging updates with the original.
	u, _ := b.Insert(0, "# generated\n")
	if err := a.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if a.Text() != b.Text() {
		t.Fatalf("post-rehydration exchange diverged: %q vs %q", a.Text(), b.Text())
	}
}

func TestDecodeStateRejectsCorrupt(t *testing.T) {
	a := FromText(1, "abc")
	state := a.EncodeState()

	for name, payload := range map[string][]byte{
		"empty":            {},
		"update as state":  func() []byte { u, _ := a.Insert(0, "x"); return u }(),
		"truncated":        state[:len(state)-2],
		"trailing garbage": append(append([]byte{}, state...), 0x00),
	} {
		if _, err := DecodeState(2, payload); err == nil {
			t.Fatalf("%s: corrupt state accepted", name)
		} else if !errdefs.IsMalformedUpdate(err) {
			t.Fatalf("%s: error not classified malformed: %v", name, err)
		}
	}
}

func TestReplaceAll(t *testing.T) {
	a := FromText(1, "def add(a, b):\n    return a + b\n")
	b, err := DecodeState(2, a.EncodeState())
	if err != nil {
		t.Fatal(err)
	}

	u, err := a.ReplaceAll("def add(a, b):\n    return a * b\n")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil {
		t.Fatal("expected an update for changed content")
	}
	if err := b.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if b.Text() != a.Text() {
		t.Fatalf("replace diverged: %q vs %q", b.Text(), a.Text())
	}

	u, err = a.ReplaceAll(a.Text())
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Fatal("unchanged content must produce no update")
	}

	if _, err := a.ReplaceAll(""); err != nil {
		t.Fatal(err)
	}
	if a.Text() != "" {
		t.Fatalf("got %q after replacing with empty", a.Text())
	}
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const rounds = 60

	docs := []*Doc{NewWithSite(1), NewWithSite(2), NewWithSite(3)}
	var updates [][]byte

	alphabet := []rune("abcdefghij \n")
	for i := 0; i < rounds; i++ {
		d := docs[rng.Intn(len(docs))]
		if d.Len() > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(d.Len())
			length := 1 + rng.Intn(d.Len()-pos)
			u, err := d.Delete(pos, length)
			if err != nil {
				t.Fatal(err)
			}
			updates = append(updates, u)
			continue
		}
		var sb strings.Builder
		for j := 0; j < 1+rng.Intn(5); j++ {
			sb.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		u, err := d.Insert(rng.Intn(d.Len()+1), sb.String())
		if err != nil {
			t.Fatal(err)
		}
		updates = append(updates, u)
	}

	// Every replica receives every update in its own shuffled order.
	finals := make([]*Doc, len(docs))
	for i := range finals {
		finals[i] = NewWithSite(uint64(10 + i))
		order := rng.Perm(len(updates))
		for _, idx := range order {
			if err := finals[i].ApplyUpdate(updates[idx]); err != nil {
				t.Fatal(err)
			}
		}
		if finals[i].Pending() != 0 {
			t.Fatalf("replica %d has %d pending operations after full delivery", i, finals[i].Pending())
		}
	}

	want := finals[0].Text()
	for i, d := range finals {
		if d.Text() != want {
			t.Fatalf("replica %d diverged:\n%q\nvs\n%q", i, d.Text(), want)
		}
	}
}
