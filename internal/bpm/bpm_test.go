package bpm

import "testing"

func TestManager_GetSegment_OneBlockPerUnit(t *testing.T) {
	tests := []struct {
		name    string
		part    Partition
		reserve bool
	}{
		{name: "data non-reserve", part: DataPartition, reserve: false},
		{name: "data reserve", part: DataPartition, reserve: true},
		{name: "map non-reserve", part: MapPartition, reserve: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(4, 2)
			seg, err := m.GetSegment(tt.part, tt.reserve)
			if err != nil {
				t.Fatalf("GetSegment: %v", err)
			}
			if len(seg.Blocks) != 4 {
				t.Fatalf("segment has %d blocks, want 4 (one per unit)", len(seg.Blocks))
			}
		})
	}
}

func TestManager_GetSegment_FailsWhenExhausted(t *testing.T) {
	m := New(2, 1)
	if _, err := m.GetSegment(DataPartition, false); err != nil {
		t.Fatalf("first GetSegment: %v", err)
	}
	if _, err := m.GetSegment(DataPartition, false); err == nil {
		t.Fatalf("second GetSegment should fail: only one block per unit was configured")
	}
}

func TestManager_GetGCTarget_DataPicksMostInvalidPerUnit(t *testing.T) {
	m := New(2, 3)
	seg, err := m.GetSegment(DataPartition, false)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	// seg.Blocks[0] is unit 0's block, seg.Blocks[1] is unit 1's block.
	m.RecordInvalidation(DataPartition, 0, seg.Blocks[0], 5)
	m.RecordInvalidation(DataPartition, 1, seg.Blocks[1], 9)

	targets, err := m.GetGCTarget(DataPartition)
	if err != nil {
		t.Fatalf("GetGCTarget: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2 (one per unit)", len(targets))
	}
	for _, target := range targets {
		if target.Age == 0 {
			t.Errorf("target with zero age selected: %+v", target)
		}
	}
}

func TestManager_GetGCTarget_MapFailsOnZeroInvalidations(t *testing.T) {
	m := New(2, 2)
	if _, err := m.GetSegment(MapPartition, false); err != nil {
		t.Fatalf("GetSegment: %v", err)
	}

	if _, err := m.GetGCTarget(MapPartition); err == nil {
		t.Fatalf("GetGCTarget on MAP partition with zero invalidations must fail, not silently return a target")
	}
}

func TestManager_GetGCTarget_MapPicksMostInvalid(t *testing.T) {
	m := New(1, 3)
	seg, err := m.GetSegment(MapPartition, false)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	blk := seg.Blocks[0]
	m.units[MapPartition][0].heap.Push(blk)
	m.RecordInvalidation(MapPartition, 0, blk, 3)

	targets, err := m.GetGCTarget(MapPartition)
	if err != nil {
		t.Fatalf("GetGCTarget: %v", err)
	}
	if len(targets) != 1 || targets[0].Age != 3 {
		t.Fatalf("targets = %+v, want one block with age 3", targets)
	}
}

func TestManager_TrimSegment_ReturnsBlocksToFreePool(t *testing.T) {
	m := New(2, 2)
	seg, err := m.GetSegment(DataPartition, false)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	for i, b := range seg.Blocks {
		m.RecordInvalidation(DataPartition, i, b, 4)
	}

	before := m.RemainingFreeBlocks(DataPartition, 0)
	m.TrimSegment(seg)
	after := m.RemainingFreeBlocks(DataPartition, 0)

	if after != before+1 {
		t.Fatalf("free blocks in unit 0 = %d, want %d (one returned)", after, before+1)
	}
	for _, b := range seg.Blocks {
		if b.Age != 0 {
			t.Errorf("block %d age = %d after trim, want 0", b.ID, b.Age)
		}
	}
}

func TestManager_IsGCNeeded(t *testing.T) {
	m := New(1, 1)
	if m.IsGCNeeded(DataPartition) {
		t.Fatalf("IsGCNeeded = true before any blocks consumed")
	}
	if _, err := m.GetSegment(DataPartition, false); err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if !m.IsGCNeeded(DataPartition) {
		t.Fatalf("IsGCNeeded = false after exhausting the only free block")
	}
}
