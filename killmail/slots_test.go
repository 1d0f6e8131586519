package killmail

import "testing"

func TestSlotForFlag(t *testing.T) {
	cases := []struct {
		flag int
		want Slot
	}{
		{27, SlotHigh}, {34, SlotHigh},
		{19, SlotMid}, {26, SlotMid},
		{11, SlotLow}, {18, SlotLow},
		{92, SlotRig}, {99, SlotRig},
		{125, SlotSubsystem}, {132, SlotSubsystem},
		{87, SlotDroneBay}, {88, SlotDroneBay},
		{5, SlotCargo},
		{90, SlotShipMaintenance},
		{133, SlotFuelBay},
		{155, SlotFleetHangar},
		{0, SlotOther}, {35, SlotOther}, {89, SlotOther}, {100, SlotOther},
	}
	for _, tc := range cases {
		if got := SlotForFlag(tc.flag); got != tc.want {
			t.Fatalf("flag %d: expected %s, got %s", tc.flag, tc.want, got)
		}
	}
}

func TestGroupItemsMergesSameSlotAndType(t *testing.T) {
	items := []Item{
		{ItemTypeID: 100, Flag: 27, QuantityDestroyed: 2, Name: "Gun"},
		{ItemTypeID: 100, Flag: 28, QuantityDestroyed: 3, Name: "Gun"},
	}
	groups := GroupItems(items)
	if len(groups) != 1 || groups[0].Slot != SlotHigh {
		t.Fatalf("expected a single high slot group, got %+v", groups)
	}
	if len(groups[0].Entries) != 1 {
		t.Fatalf("expected merged entry, got %+v", groups[0].Entries)
	}
	if groups[0].Entries[0].Destroyed != 5 {
		t.Fatalf("expected destroyed=5, got %d", groups[0].Entries[0].Destroyed)
	}
}

func TestGroupItemsKeepsSlotsSeparate(t *testing.T) {
	items := []Item{
		{ItemTypeID: 200, Flag: 5, QuantityDropped: 4},
		{ItemTypeID: 200, Flag: 27, QuantityDestroyed: 1},
	}
	groups := GroupItems(items)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Slot != SlotHigh || groups[1].Slot != SlotCargo {
		t.Fatalf("expected display order high then cargo, got %s then %s", groups[0].Slot, groups[1].Slot)
	}
}

func TestGroupItemsDisplayOrderAndFirstAppearance(t *testing.T) {
	items := []Item{
		{ItemTypeID: 9, Flag: 200},
		{ItemTypeID: 3, Flag: 11},
		{ItemTypeID: 1, Flag: 27},
		{ItemTypeID: 2, Flag: 28},
		{ItemTypeID: 1, Flag: 29},
		{ItemTypeID: 4, Flag: 133},
		{ItemTypeID: 5, Flag: 90},
	}
	groups := GroupItems(items)
	want := []Slot{SlotHigh, SlotLow, SlotFuelBay, SlotShipMaintenance, SlotOther}
	if len(groups) != len(want) {
		t.Fatalf("expected %d groups, got %d", len(want), len(groups))
	}
	for i, slot := range want {
		if groups[i].Slot != slot {
			t.Fatalf("group %d: expected %s, got %s", i, slot, groups[i].Slot)
		}
	}
	high := groups[0].Entries
	if len(high) != 2 || high[0].TypeID != 1 || high[1].TypeID != 2 {
		t.Fatalf("expected high entries [1 2], got %+v", high)
	}
}

func TestGroupItemsSubItemsJoinParentSlot(t *testing.T) {
	items := []Item{
		{ItemTypeID: 300, Flag: 5, QuantityDropped: 1, Items: []Item{
			{ItemTypeID: 301, Flag: 0, QuantityDestroyed: 7},
		}},
	}
	groups := GroupItems(items)
	if len(groups) != 1 || groups[0].Slot != SlotCargo {
		t.Fatalf("expected a single cargo group, got %+v", groups)
	}
	entries := groups[0].Entries
	if len(entries) != 2 {
		t.Fatalf("expected parent and child entries, got %+v", entries)
	}
	if entries[0].SubItem || !entries[1].SubItem {
		t.Fatalf("expected only the child flagged as sub item, got %+v", entries)
	}
}

func TestGroupItemsLastWriteWinsNameAndSubFlag(t *testing.T) {
	items := []Item{
		{ItemTypeID: 400, Flag: 5, QuantityDropped: 1, Name: "first", Items: []Item{
			{ItemTypeID: 401, QuantityDropped: 1, Name: "child"},
		}},
		{ItemTypeID: 401, Flag: 5, QuantityDestroyed: 2, Name: "later"},
	}
	groups := GroupItems(items)
	entries := groups[0].Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	got := entries[1]
	if got.Name != "later" || got.SubItem {
		t.Fatalf("expected last write to win name and sub flag, got %+v", got)
	}
	if got.Dropped != 1 || got.Destroyed != 2 {
		t.Fatalf("expected summed counts, got %+v", got)
	}
}

func TestGroupItemsClampsNegativeCounts(t *testing.T) {
	groups := GroupItems([]Item{{ItemTypeID: 5, Flag: 27, QuantityDestroyed: -3, QuantityDropped: 2}})
	entry := groups[0].Entries[0]
	if entry.Destroyed != 0 || entry.Dropped != 2 {
		t.Fatalf("expected clamped counts, got %+v", entry)
	}
}

func TestItemEntryZeroQuantityShowsOne(t *testing.T) {
	destroyed, dropped := ItemEntry{TypeID: 1}.Quantities()
	if destroyed != 1 || dropped != 0 {
		t.Fatalf("expected (1,0), got (%d,%d)", destroyed, dropped)
	}
	destroyed, dropped = ItemEntry{TypeID: 1, Destroyed: 2, Dropped: 3}.Quantities()
	if destroyed != 2 || dropped != 3 {
		t.Fatalf("expected (2,3), got (%d,%d)", destroyed, dropped)
	}
}

func TestSlotGroupsCount(t *testing.T) {
	groups := GroupItems([]Item{
		{ItemTypeID: 1, Flag: 27},
		{ItemTypeID: 2, Flag: 27},
		{ItemTypeID: 3, Flag: 5},
	})
	if groups.Count() != 3 {
		t.Fatalf("expected count 3, got %d", groups.Count())
	}
	if len(GroupItems(nil)) != 0 {
		t.Fatalf("expected no groups for empty loadout")
	}
}
