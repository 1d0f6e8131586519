// Package killmail holds the event model shared by the feed, enrichment and
// rendering stages.
package killmail

import (
	"encoding/json"
	"fmt"
	"time"
)

// Zkb is the value summary zKillboard attaches to each kill.
type Zkb struct {
	LocationID     int64    `json:"locationID"`
	Hash           string   `json:"hash"`
	FittedValue    float64  `json:"fittedValue"`
	DroppedValue   float64  `json:"droppedValue"`
	DestroyedValue float64  `json:"destroyedValue"`
	TotalValue     float64  `json:"totalValue"`
	Points         int      `json:"points"`
	NPC            bool     `json:"npc"`
	Solo           bool     `json:"solo"`
	Awox           bool     `json:"awox"`
	Labels         []string `json:"labels,omitempty"`
	Href           string   `json:"href,omitempty"`
}

// ActorNames are display names filled by enrichment.
type ActorNames struct {
	Character   string
	Corporation string
	Alliance    string
	Ship        string
}

// ActorRef identifies a participant. Zero ids mean the field was absent.
type ActorRef struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	FactionID     int64 `json:"faction_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`

	Names ActorNames `json:"-"`
}

// Position is the victim's in-space coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Item is one fitted, carried or contained item on the victim.
type Item struct {
	ItemTypeID        int64  `json:"item_type_id"`
	Flag              int    `json:"flag"`
	QuantityDestroyed int64  `json:"quantity_destroyed,omitempty"`
	QuantityDropped   int64  `json:"quantity_dropped,omitempty"`
	Singleton         int    `json:"singleton"`
	Items             []Item `json:"items,omitempty"`

	Name string `json:"-"`
}

// Victim is the destroyed party.
type Victim struct {
	ActorRef
	DamageTaken int64     `json:"damage_taken"`
	Items       []Item    `json:"items,omitempty"`
	Position    *Position `json:"position,omitempty"`
}

// Attacker is one participant on the killing side.
type Attacker struct {
	ActorRef
	WeaponTypeID   int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status"`

	WeaponName string `json:"-"`
}

// DisplayName is the character name, else the ship name, else a fixed label.
func (a *Attacker) DisplayName() string {
	if a.Names.Character != "" && a.CharacterID != 0 {
		return a.Names.Character
	}
	if a.Names.Ship != "" {
		return a.Names.Ship
	}
	return UnknownShip
}

// Unresolved labels.
const (
	Unknown     = "Unknown"
	UnknownShip = "Unknown Ship"
)

// Killmail is the detailed record as served by ESI.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  time.Time  `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	MoonID        int64      `json:"moon_id,omitempty"`
	WarID         int64      `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
}

// FinalBlow returns the attacker credited with the killing blow, if any.
func (k *Killmail) FinalBlow() *Attacker {
	for i := range k.Attackers {
		if k.Attackers[i].FinalBlow {
			return &k.Attackers[i]
		}
	}
	return nil
}

// TopDamage returns the attacker with the highest damage; first wins ties.
func (k *Killmail) TopDamage() *Attacker {
	var top *Attacker
	for i := range k.Attackers {
		if top == nil || k.Attackers[i].DamageDone > top.DamageDone {
			top = &k.Attackers[i]
		}
	}
	return top
}

// RawEvent is what the feed delivers. Killmail may be nearly empty when the
// event came from the kill lookup API.
type RawEvent struct {
	KillmailID int64     `json:"killID"`
	Killmail   *Killmail `json:"killmail,omitempty"`
	Zkb        Zkb       `json:"zkb"`
}

// Validate rejects events that cannot be fetched in detail.
func (e *RawEvent) Validate() error {
	if e.KillmailID <= 0 {
		return fmt.Errorf("killmail id %d is not positive", e.KillmailID)
	}
	if e.Zkb.Hash == "" {
		return fmt.Errorf("killmail %d has no hash", e.KillmailID)
	}
	return nil
}

// Location is the resolved solar system hierarchy.
type Location struct {
	SystemID          int64
	SystemName        string
	Security          float64
	ConstellationID   int64
	ConstellationName string
	RegionID          int64
	RegionName        string
}

// DetailedEvent is the fully fetched event owned by one pipeline run.
type DetailedEvent struct {
	Killmail
	Zkb      Zkb
	Location Location
}

// ParticipantCount is the number of attackers shown on the card.
func (d *DetailedEvent) ParticipantCount() int {
	return len(d.Attackers)
}

// DecodeKillmail parses an ESI killmail body.
func DecodeKillmail(body []byte) (*Killmail, error) {
	var km Killmail
	if err := json.Unmarshal(body, &km); err != nil {
		return nil, fmt.Errorf("decode killmail: %w", err)
	}
	if km.KillmailID == 0 {
		return nil, fmt.Errorf("decode killmail: missing killmail_id")
	}
	return &km, nil
}
