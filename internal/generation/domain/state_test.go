package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name         string
		from         State
		fromProgress int
		to           State
		toProgress   int
		want         bool
	}{
		{name: "queued to dispatching", from: StateQueued, to: StateDispatching, want: true},
		{name: "skip ahead", from: StateQueued, to: StateMerging, want: true},
		{name: "backwards", from: StateMerging, to: StateGeneratingClips, want: false},
		{name: "equal rank sibling", from: StateProcessing, to: StateGeneratingKeyframes, want: false},
		{name: "same state more progress", from: StateProcessing, fromProgress: 10, to: StateProcessing, toProgress: 20, want: true},
		{name: "same state same progress", from: StateProcessing, fromProgress: 20, to: StateProcessing, toProgress: 20, want: false},
		{name: "to completed", from: StateDispatching, to: StateCompleted, want: true},
		{name: "to failed from queued", from: StateQueued, to: StateFailed, want: true},
		{name: "completed is sticky", from: StateCompleted, to: StateFailed, want: false},
		{name: "failed is sticky", from: StateFailed, to: StateProcessing, want: false},
		{name: "unknown target", from: StateQueued, to: State("paused"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.fromProgress, tt.to, tt.toProgress); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRanks(t *testing.T) {
	if StateProcessing.Rank() != StateGeneratingKeyframes.Rank() {
		t.Fatalf("processing and keyframes share a rank")
	}
	if StateCompleted.Rank() <= StatePostProcessing.Rank() {
		t.Fatalf("terminal states must outrank every stage")
	}
	if State("bogus").Rank() != -1 {
		t.Fatalf("unknown states rank -1")
	}
}
