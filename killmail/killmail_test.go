package killmail

import (
	"encoding/json"
	"testing"
	"time"
)

const sampleKillmail = `{
  "attackers": [
    {"character_id": 11, "corporation_id": 21, "damage_done": 100, "final_blow": false, "security_status": -1.5, "ship_type_id": 587, "weapon_type_id": 2881},
    {"character_id": 12, "corporation_id": 22, "alliance_id": 31, "damage_done": 400, "final_blow": true, "security_status": 0.2, "ship_type_id": 17738, "weapon_type_id": 3057},
    {"faction_id": 500010, "damage_done": 400, "final_blow": false, "security_status": 0, "ship_type_id": 13536}
  ],
  "killmail_id": 123456,
  "killmail_time": "2024-05-01T12:34:56Z",
  "solar_system_id": 30000142,
  "victim": {
    "character_id": 90000001,
    "corporation_id": 98000001,
    "damage_taken": 900,
    "items": [
      {"flag": 27, "item_type_id": 2881, "quantity_destroyed": 1, "singleton": 0},
      {"flag": 5, "item_type_id": 11489, "quantity_dropped": 1, "singleton": 0, "items": [
        {"flag": 0, "item_type_id": 34, "quantity_dropped": 1000, "singleton": 0}
      ]}
    ],
    "position": {"x": 1.5, "y": 2.5, "z": 3.5},
    "ship_type_id": 24690
  }
}`

func TestDecodeKillmail(t *testing.T) {
	km, err := DecodeKillmail([]byte(sampleKillmail))
	if err != nil {
		t.Fatalf("DecodeKillmail: %v", err)
	}
	if km.KillmailID != 123456 || km.SolarSystemID != 30000142 {
		t.Fatalf("unexpected ids: %+v", km)
	}
	want := time.Date(2024, 5, 1, 12, 34, 56, 0, time.UTC)
	if !km.KillmailTime.Equal(want) {
		t.Fatalf("expected time %v, got %v", want, km.KillmailTime)
	}
	if km.Victim.ShipTypeID != 24690 || km.Victim.CharacterID != 90000001 {
		t.Fatalf("embedded victim ids not decoded: %+v", km.Victim.ActorRef)
	}
	if len(km.Victim.Items) != 2 || len(km.Victim.Items[1].Items) != 1 {
		t.Fatalf("expected nested item contents, got %+v", km.Victim.Items)
	}
	if km.Victim.Position == nil || km.Victim.Position.Z != 3.5 {
		t.Fatalf("expected position, got %+v", km.Victim.Position)
	}
	if len(km.Attackers) != 3 || km.Attackers[1].AllianceID != 31 {
		t.Fatalf("unexpected attackers: %+v", km.Attackers)
	}
}

func TestDecodeKillmailRejectsMissingID(t *testing.T) {
	if _, err := DecodeKillmail([]byte(`{"victim":{}}`)); err == nil {
		t.Fatalf("expected error for missing killmail_id")
	}
}

func TestFinalBlowAndTopDamage(t *testing.T) {
	km, err := DecodeKillmail([]byte(sampleKillmail))
	if err != nil {
		t.Fatalf("DecodeKillmail: %v", err)
	}
	fb := km.FinalBlow()
	if fb == nil || fb.CharacterID != 12 {
		t.Fatalf("expected final blow by 12, got %+v", fb)
	}
	top := km.TopDamage()
	if top == nil || top.CharacterID != 12 {
		t.Fatalf("expected first of tied top damage (12), got %+v", top)
	}

	empty := Killmail{}
	if empty.FinalBlow() != nil || empty.TopDamage() != nil {
		t.Fatalf("expected nil attackers for empty killmail")
	}
}

func TestAttackerDisplayName(t *testing.T) {
	a := Attacker{ActorRef: ActorRef{CharacterID: 1, Names: ActorNames{Character: "Pilot", Ship: "Rifter"}}}
	if got := a.DisplayName(); got != "Pilot" {
		t.Fatalf("expected Pilot, got %q", got)
	}
	npc := Attacker{ActorRef: ActorRef{ShipTypeID: 13536, Names: ActorNames{Ship: "Guristas Ship"}}}
	if got := npc.DisplayName(); got != "Guristas Ship" {
		t.Fatalf("expected ship name fallback, got %q", got)
	}
	if got := (&Attacker{}).DisplayName(); got != UnknownShip {
		t.Fatalf("expected %q, got %q", UnknownShip, got)
	}
}

func TestRawEventDecodeAndValidate(t *testing.T) {
	body := `{"killID": 77, "zkb": {"locationID": 40009081, "hash": "abc", "totalValue": 2000000000, "npc": false, "labels": ["pvp"]}}`
	var ev RawEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ev.Zkb.TotalValue != 2e9 || ev.Zkb.Hash != "abc" {
		t.Fatalf("unexpected zkb: %+v", ev.Zkb)
	}
	ev.Zkb.Hash = ""
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected missing hash to fail validation")
	}
}
