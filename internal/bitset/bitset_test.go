package bitset

import "testing"

func TestFromRange(t *testing.T) {
	f := FromRange(2, 5)
	for v := 0; v <= 10; v++ {
		want := v >= 2 && v <= 5
		if f.Contains(v) != want {
			t.Errorf("Contains(%d) = %v, want %v", v, f.Contains(v), want)
		}
	}
}

func TestFromStep(t *testing.T) {
	f := FromStep(0, 20, 5)
	for _, v := range []int{0, 5, 10, 15, 20} {
		if !f.Contains(v) {
			t.Errorf("expected %d to be a member", v)
		}
	}
	for _, v := range []int{1, 4, 6, 21} {
		if f.Contains(v) {
			t.Errorf("did not expect %d to be a member", v)
		}
	}
}

func TestFirstSet(t *testing.T) {
	if Empty().FirstSet() != -1 {
		t.Fatal("expected -1 for empty field")
	}
	f := FromValue(7).Union(FromValue(40))
	if f.FirstSet() != 7 {
		t.Fatalf("expected 7, got %d", f.FirstSet())
	}
}

func TestNextAtOrAfter(t *testing.T) {
	f := FromValue(3).Union(FromValue(10)).Union(FromValue(59))
	cases := []struct {
		from int
		want int
	}{
		{0, 3},
		{3, 3},
		{4, 10},
		{11, 59},
		{60, -1},
	}
	for _, c := range cases {
		if got := f.NextAtOrAfter(c.from); got != c.want {
			t.Errorf("NextAtOrAfter(%d) = %d, want %d", c.from, got, c.want)
		}
	}
}

func TestUnion(t *testing.T) {
	a := FromValue(1)
	b := FromValue(2)
	u := a.Union(b)
	if !u.Contains(1) || !u.Contains(2) {
		t.Fatal("union missing members")
	}
}
