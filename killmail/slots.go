package killmail

// Slot is a display category for item flags.
type Slot int

const (
	SlotHigh Slot = iota
	SlotMid
	SlotLow
	SlotRig
	SlotSubsystem
	SlotDroneBay
	SlotCargo
	SlotFuelBay
	SlotShipMaintenance
	SlotFleetHangar
	SlotOther
)

// SlotOrder is the fixed display order.
var SlotOrder = []Slot{
	SlotHigh, SlotMid, SlotLow, SlotRig, SlotSubsystem,
	SlotDroneBay, SlotCargo, SlotFuelBay, SlotShipMaintenance, SlotFleetHangar, SlotOther,
}

type flagRange struct {
	lo, hi int
	slot   Slot
}

// Flag table as used by the game client. Do not reorder.
var flagTable = []flagRange{
	{27, 34, SlotHigh},
	{19, 26, SlotMid},
	{11, 18, SlotLow},
	{92, 99, SlotRig},
	{125, 132, SlotSubsystem},
	{87, 88, SlotDroneBay},
	{5, 5, SlotCargo},
	{90, 90, SlotShipMaintenance},
	{133, 133, SlotFuelBay},
	{155, 155, SlotFleetHangar},
}

// SlotForFlag maps an inventory flag to its display slot.
func SlotForFlag(flag int) Slot {
	for _, r := range flagTable {
		if flag >= r.lo && flag <= r.hi {
			return r.slot
		}
	}
	return SlotOther
}

var slotKeys = [...]string{
	SlotHigh:            "high",
	SlotMid:             "mid",
	SlotLow:             "low",
	SlotRig:             "rig",
	SlotSubsystem:       "subsystem",
	SlotDroneBay:        "drone_bay",
	SlotCargo:           "cargo",
	SlotFuelBay:         "fuel_bay",
	SlotShipMaintenance: "ship_maintenance_bay",
	SlotFleetHangar:     "fleet_hangar",
	SlotOther:           "other",
}

// String returns a stable key used for label lookup.
func (s Slot) String() string {
	if s < 0 || int(s) >= len(slotKeys) {
		return "other"
	}
	return slotKeys[s]
}

// ItemEntry is a merged loadout line.
type ItemEntry struct {
	TypeID    int64
	Name      string
	Destroyed int64
	Dropped   int64
	SubItem   bool
}

// Quantities returns the lines to draw for the entry. An entry with no
// recorded quantity shows as one destroyed unit.
func (e ItemEntry) Quantities() (destroyed, dropped int64) {
	if e.Destroyed == 0 && e.Dropped == 0 {
		return 1, 0
	}
	return e.Destroyed, e.Dropped
}

// SlotGroup is the ordered entries of one slot.
type SlotGroup struct {
	Slot    Slot
	Entries []ItemEntry
}

// SlotGroups is the full loadout in display order, empty slots omitted.
type SlotGroups []SlotGroup

// Count is the number of merged entries across all slots.
func (g SlotGroups) Count() int {
	n := 0
	for _, group := range g {
		n += len(group.Entries)
	}
	return n
}

type mergeKey struct {
	slot   Slot
	typeID int64
}

func clampCount(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// GroupItems classifies and merges victim items. Entries with the same
// (slot, type) are summed; first appearance fixes position and later
// occurrences overwrite the name and sub-item flag. Contents of a container
// join the container's slot as sub-items.
func GroupItems(items []Item) SlotGroups {
	buckets := make(map[Slot][]ItemEntry, len(SlotOrder))
	index := make(map[mergeKey]int)

	add := func(slot Slot, it Item, sub bool) {
		key := mergeKey{slot: slot, typeID: it.ItemTypeID}
		if i, ok := index[key]; ok {
			entry := &buckets[slot][i]
			entry.Destroyed += clampCount(it.QuantityDestroyed)
			entry.Dropped += clampCount(it.QuantityDropped)
			entry.Name = it.Name
			entry.SubItem = sub
			return
		}
		index[key] = len(buckets[slot])
		buckets[slot] = append(buckets[slot], ItemEntry{
			TypeID:    it.ItemTypeID,
			Name:      it.Name,
			Destroyed: clampCount(it.QuantityDestroyed),
			Dropped:   clampCount(it.QuantityDropped),
			SubItem:   sub,
		})
	}

	for _, it := range items {
		slot := SlotForFlag(it.Flag)
		add(slot, it, false)
		for _, child := range it.Items {
			add(slot, child, true)
		}
	}

	groups := make(SlotGroups, 0, len(buckets))
	for _, slot := range SlotOrder {
		if entries := buckets[slot]; len(entries) > 0 {
			groups = append(groups, SlotGroup{Slot: slot, Entries: entries})
		}
	}
	return groups
}
