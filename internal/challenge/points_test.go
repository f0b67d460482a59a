package challenge

import "testing"

func TestComputeValue(t *testing.T) {
	cases := []struct {
		name    string
		initial int
		minimum int
		decay   int
		solves  int
		expect  int
	}{
		{name: "no solves", initial: 500, minimum: 50, decay: 10, solves: 0, expect: 500},
		{name: "first solver excluded", initial: 500, minimum: 50, decay: 10, solves: 1, expect: 500},
		{name: "decayed", initial: 500, minimum: 50, decay: 20, solves: 11, expect: 388},
		{name: "floored at minimum", initial: 500, minimum: 50, decay: 5, solves: 100, expect: 50},
		{name: "zero decay keeps initial", initial: 500, minimum: 50, decay: 0, solves: 10, expect: 500},
		{name: "initial equals minimum", initial: 100, minimum: 100, decay: 10, solves: 20, expect: 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeValue(tc.initial, tc.minimum, tc.decay, tc.solves)
			if got != tc.expect {
				t.Fatalf("expected %d, got %d", tc.expect, got)
			}
		})
	}
}

func TestComputeValueMonotonic(t *testing.T) {
	prev := 500
	for solves := 0; solves <= 50; solves++ {
		got := ComputeValue(500, 50, 20, solves)
		if got > prev {
			t.Fatalf("value increased from %d to %d at %d solves", prev, got, solves)
		}
		if got < 50 {
			t.Fatalf("value %d dropped below minimum at %d solves", got, solves)
		}
		prev = got
	}
}
