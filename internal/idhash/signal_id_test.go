package idhash

import (
	"testing"
)

func TestComputeSignalID(t *testing.T) {
	tests := []struct {
		name        string
		mint        string
		checkpoint  string
		createdAtMs int64
	}{
		{
			name:        "first checkpoint",
			mint:        "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr",
			checkpoint:  "8s",
			createdAtMs: 1704067234567,
		},
		{
			name:        "second checkpoint",
			mint:        "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr",
			checkpoint:  "15s",
			createdAtMs: 1704067234567,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeSignalID(tt.mint, tt.checkpoint, tt.createdAtMs)

			if len(got) != 64 {
				t.Errorf("ComputeSignalID() length = %d, want 64", len(got))
			}

			got2 := ComputeSignalID(tt.mint, tt.checkpoint, tt.createdAtMs)
			if got != got2 {
				t.Errorf("ComputeSignalID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeSignalID_DifferentCheckpoints(t *testing.T) {
	a := ComputeSignalID("mint1", "8s", 1000)
	b := ComputeSignalID("mint1", "15s", 1000)

	if a == b {
		t.Error("different checkpoints should produce different ids")
	}
}
