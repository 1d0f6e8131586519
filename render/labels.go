package render

import "killcard/killmail"

// Labels are the fixed strings printed on a card. Format verbs are filled by
// Compose.
type Labels struct {
	Participants string // %d
	DamageTaken  string // %d
	FinalBlow    string
	TopDamage    string
	Loadout      string
	TotalValue   string // %s
	Dropped      string // %s
	Kill         string // %d
	Slots        map[killmail.Slot]string
}

var labelSets = map[string]Labels{
	"zh": {
		Participants: "参与人数(%d)",
		DamageTaken:  "承受伤害: %d",
		FinalBlow:    "最后一击:",
		TopDamage:    "最高伤害:",
		Loadout:      "装备与明细",
		TotalValue:   "总价值: %s ISK",
		Dropped:      "掉  落: %s ISK",
		Kill:         "Kill #%d",
		Slots: map[killmail.Slot]string{
			killmail.SlotHigh:            "高槽",
			killmail.SlotMid:             "中槽",
			killmail.SlotLow:             "低槽",
			killmail.SlotRig:             "改装件",
			killmail.SlotSubsystem:       "子系统槽",
			killmail.SlotDroneBay:        "无人机舱",
			killmail.SlotCargo:           "货舱",
			killmail.SlotFuelBay:         "燃料舱",
			killmail.SlotShipMaintenance: "舰船维护舱",
			killmail.SlotFleetHangar:     "舰队机库",
			killmail.SlotOther:           "其他槽位",
		},
	},
	"en": {
		Participants: "Involved (%d)",
		DamageTaken:  "Damage taken: %d",
		FinalBlow:    "Final blow:",
		TopDamage:    "Top damage:",
		Loadout:      "Fitting and items",
		TotalValue:   "Total: %s ISK",
		Dropped:      "Dropped: %s ISK",
		Kill:         "Kill #%d",
		Slots: map[killmail.Slot]string{
			killmail.SlotHigh:            "High slots",
			killmail.SlotMid:             "Mid slots",
			killmail.SlotLow:             "Low slots",
			killmail.SlotRig:             "Rigs",
			killmail.SlotSubsystem:       "Subsystems",
			killmail.SlotDroneBay:        "Drone bay",
			killmail.SlotCargo:           "Cargo",
			killmail.SlotFuelBay:         "Fuel bay",
			killmail.SlotShipMaintenance: "Ship maintenance bay",
			killmail.SlotFleetHangar:     "Fleet hangar",
			killmail.SlotOther:           "Other",
		},
	},
}

// LabelsFor returns the label set for locale, defaulting to zh.
func LabelsFor(locale string) Labels {
	if l, ok := labelSets[locale]; ok {
		return l
	}
	return labelSets["zh"]
}

func (l Labels) slot(s killmail.Slot) string {
	if name, ok := l.Slots[s]; ok {
		return "  " + name
	}
	return "  " + s.String()
}
