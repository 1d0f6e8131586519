package render

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"killcard/assets"
	"killcard/killmail"
)

// Card geometry.
const (
	cardWidth       = 700
	baseHeight      = 1000
	compactItems    = 30
	itemLineHeight  = 25
	heightPadding   = 600
	bottomReserve   = 200
	footerOffset    = 100
	columnSplit     = 286
	infoX           = 276
	fitX            = infoX + 20
	listTop         = 190
	rightEdge       = 680
	qtyRightEdge    = cardWidth - 40
	victimSize      = 128
	attackerSize    = 80
	attackerIcon    = 40
	attackerBlock   = attackerSize + 10
	itemIconSize    = 24
	subItemIndent   = 20
	slotHeaderStep  = 30
	portraitSize    = 64
	smallIconSize   = 32
	victimPortraitQ = 128
)

// FontRole selects a typeface and size.
type FontRole int

const (
	FontName     FontRole = iota // bold 20
	FontShip                     // medium 20
	FontText                     // medium 16
	FontSmall                    // medium 14
	FontQty                      // regular 14
	FontItem                     // CJK 16
	FontSubtitle                 // medium 18
	FontHeader                   // CJK 18
	fontRoleCount
)

// OpKind is the primitive an Op paints.
type OpKind int

const (
	OpRect OpKind = iota
	OpText
	OpIcon
)

// Align anchors a text run.
type Align int

const (
	AlignLeft Align = iota
	// AlignRight treats X as the right edge of the run.
	AlignRight
	// AlignInline continues at the pen position of the previous text run.
	AlignInline
)

// Op is one paint instruction. Rect is the fill or icon destination; X, Y is
// the top-left of a text run.
type Op struct {
	Kind     OpKind
	Rect     image.Rectangle
	Color    color.RGBA
	Text     string
	Font     FontRole
	X, Y     int
	Align    Align
	Icon     assets.Key
	Fallback assets.Key
}

// Layout is the composed card. Identical inputs give identical layouts.
type Layout struct {
	Width  int
	Height int
	Ops    []Op
}

// Lines returns the text runs in paint order.
func (l Layout) Lines() []string {
	var out []string
	for _, op := range l.Ops {
		if op.Kind == OpText {
			out = append(out, op.Text)
		}
	}
	return out
}

// Icons returns every icon key the layout may draw, fallbacks included,
// without duplicates and in first-use order.
func (l Layout) Icons() []assets.Key {
	seen := make(map[assets.Key]struct{})
	var out []assets.Key
	add := func(k assets.Key) {
		if !k.Valid() {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, op := range l.Ops {
		if op.Kind == OpIcon {
			add(op.Icon)
			add(op.Fallback)
		}
	}
	return out
}

// CardHeight is 1000 for up to 30 merged entries, else 25px per entry plus
// 600.
func CardHeight(entries int) int {
	if entries <= compactItems {
		return baseHeight
	}
	return entries*itemLineHeight + heightPadding
}

// FormatISK renders a value as "#,###.##".
func FormatISK(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}

type composer struct {
	ops    []Op
	height int
	labels Labels
}

func (c *composer) rect(x0, y0, x1, y1 int, col color.RGBA) {
	c.ops = append(c.ops, Op{Kind: OpRect, Rect: image.Rect(x0, y0, x1, y1), Color: col})
}

func (c *composer) text(x, y int, s string, font FontRole, col color.RGBA) {
	if s == "" {
		return
	}
	c.ops = append(c.ops, Op{Kind: OpText, X: x, Y: y, Text: s, Font: font, Color: col})
}

func (c *composer) textAligned(x, y int, s string, font FontRole, col color.RGBA, align Align) {
	if s == "" {
		return
	}
	c.ops = append(c.ops, Op{Kind: OpText, X: x, Y: y, Text: s, Font: font, Color: col, Align: align})
}

func (c *composer) icon(x, y, size int, k, fallback assets.Key) {
	if !k.Valid() && !fallback.Valid() {
		return
	}
	c.ops = append(c.ops, Op{Kind: OpIcon, Rect: image.Rect(x, y, x+size, y+size), Icon: k, Fallback: fallback})
}

func typeKey(id int64, size int) assets.Key {
	return assets.Key{Kind: assets.KindType, ID: id, Size: size}
}

// Purpose: Lay out a kill card.
// Key aspects: Pure and deterministic; no fonts or network. Height depends
// only on the merged entry count. Attacker and item lists stop once the pen
// passes height-200.
// Upstream: Renderer.Render, tests.
// Downstream: none.
func Compose(ev *killmail.DetailedEvent, groups killmail.SlotGroups, labels Labels) Layout {
	h := CardHeight(groups.Count())
	c := &composer{height: h, labels: labels}

	c.rect(0, 0, columnSplit, h, colorBlack)
	c.rect(columnSplit, 0, cardWidth, h, colorBlack)

	c.victimColumn(ev)
	c.attackerColumn(ev)
	c.infoColumn(ev)
	c.loadout(groups)
	c.footer(ev)

	// Divider under the header blocks.
	c.rect(10, 10+victimSize+46, rightEdge, 10+victimSize+47, colorGray)
	return Layout{Width: cardWidth, Height: h, Ops: c.ops}
}

func (c *composer) victimColumn(ev *killmail.DetailedEvent) {
	v := ev.Victim
	if v.CharacterID > 0 {
		c.icon(10, 10, victimSize, assets.Key{Kind: assets.KindCharacter, ID: v.CharacterID, Size: victimPortraitQ}, assets.Key{})
	}
	if v.ShipTypeID > 0 {
		c.icon(10+130, 10, victimSize, typeKey(v.ShipTypeID, portraitSize), assets.Key{})
	}
	c.text(10, 10+victimSize+4, fmt.Sprintf(c.labels.Participants, ev.ParticipantCount()), FontSmall, colorGray)
	c.text(10, 10+victimSize+20, fmt.Sprintf(c.labels.DamageTaken, v.DamageTaken), FontSubtitle, colorRed)
}

func totalDamage(attackers []killmail.Attacker) int64 {
	var total int64
	for _, a := range attackers {
		total += a.DamageDone
	}
	return total
}

func (c *composer) attackerColumn(ev *killmail.DetailedEvent) {
	x, y := 10, listTop
	total := totalDamage(ev.Attackers)
	if fb := ev.FinalBlow(); fb != nil {
		c.text(x, y, c.labels.FinalBlow, FontSubtitle, colorGray)
		y += 30
		c.attacker(x, y, fb, total)
		y += attackerBlock
	}
	top := ev.TopDamage()
	if top == nil {
		return
	}
	c.text(x, y, c.labels.TopDamage, FontSubtitle, colorGray)
	y += 30
	c.attacker(x, y, top, total)
	y += attackerBlock

	c.rect(0, y, 10+victimSize*2+10, y+2, colorGray)
	y += 15

	order := make([]int, len(ev.Attackers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return ev.Attackers[order[i]].DamageDone > ev.Attackers[order[j]].DamageDone
	})
	for _, i := range order {
		if y > c.height-bottomReserve {
			break
		}
		c.attacker(x, y, &ev.Attackers[i], total)
		y += attackerBlock
	}
}

func (c *composer) attacker(x, y int, a *killmail.Attacker, total int64) {
	shipLarge := typeKey(a.ShipTypeID, portraitSize)
	shipSmall := typeKey(a.ShipTypeID, smallIconSize)
	if a.CharacterID > 0 {
		c.icon(x, y, attackerSize, assets.Key{Kind: assets.KindCharacter, ID: a.CharacterID, Size: portraitSize}, shipLarge)
	} else {
		c.icon(x, y, attackerSize, shipLarge, assets.Key{})
	}
	c.icon(x+attackerSize, y, attackerIcon, shipSmall, assets.Key{})
	c.icon(x+attackerSize, y+attackerIcon, attackerIcon, typeKey(a.WeaponTypeID, smallIconSize), shipSmall)

	pct := 0.0
	if total > 0 {
		pct = float64(a.DamageDone) / float64(total) * 100
	}
	tx := x + attackerSize + attackerIcon + 5
	c.text(tx, y, a.DisplayName(), FontText, colorWhite)
	c.text(tx, y+20, a.Names.Corporation, FontSmall, colorWhite)
	c.text(tx, y+40, a.Names.Alliance, FontSmall, colorWhite)
	c.text(tx, y+60, fmt.Sprintf("%d (%.1f%%)", a.DamageDone, pct), FontSmall, colorGray)
}

func (c *composer) infoColumn(ev *killmail.DetailedEvent) {
	v := ev.Victim
	x, y := infoX, 10
	name := v.Names.Character
	if name == "" {
		name = killmail.Unknown
	}
	c.text(x, y, name, FontName, colorWhite)
	y += 30

	if v.CorporationID > 0 {
		c.icon(x, y, smallIconSize, assets.Key{Kind: assets.KindCorporation, ID: v.CorporationID, Size: smallIconSize}, assets.Key{})
	}
	c.text(x+35, y, v.Names.Corporation, FontSubtitle, colorGray)
	if v.AllianceID > 0 && v.Names.Alliance != "" {
		y += 30
		c.icon(x, y, smallIconSize, assets.Key{Kind: assets.KindAlliance, ID: v.AllianceID, Size: smallIconSize}, assets.Key{})
		c.text(x+35, y, v.Names.Alliance, FontSubtitle, colorGray)
	}

	y += 40
	ship := v.Names.Ship
	if ship == "" {
		ship = killmail.UnknownShip
	}
	c.text(x, y, ship, FontShip, colorWhite)

	y += 30
	loc := ev.Location
	c.text(x, y, loc.SystemName+" ", FontText, colorWhite)
	c.textAligned(x, y, fmt.Sprintf("(%.1f) ", loc.Security), FontText, SecurityColor(loc.Security), AlignInline)
	if trail := locationTrail(loc); trail != "" {
		c.textAligned(x, y, trail, FontSmall, colorWhite, AlignInline)
	}

	y += 20
	if !ev.KillmailTime.IsZero() {
		c.text(x, y, ev.KillmailTime.UTC().Format("2006-01-02 15:04:05"), FontText, colorGray)
	}
}

// locationTrail renders "< constellation < region", skipping unresolved parts.
func locationTrail(loc killmail.Location) string {
	var parts []string
	for _, name := range []string{loc.ConstellationName, loc.RegionName} {
		if name != "" {
			parts = append(parts, "< "+name)
		}
	}
	return strings.Join(parts, " ")
}

func (c *composer) loadout(groups killmail.SlotGroups) {
	x, y := fitX, listTop
	c.text(x, y, c.labels.Loadout, FontHeader, colorWhite)
	y += slotHeaderStep
	limit := c.height - bottomReserve
	for _, g := range groups {
		if y > limit {
			return
		}
		c.rect(x-2, y, rightEdge, y+24, colorBand)
		c.text(x, y, c.labels.slot(g.Slot), FontHeader, colorWhite)
		y += slotHeaderStep
		for _, e := range g.Entries {
			destroyed, dropped := e.Quantities()
			if destroyed > 0 {
				if y > limit {
					return
				}
				c.item(x, y, e, destroyed, false)
				y += itemLineHeight
			}
			if dropped > 0 {
				if y > limit {
					return
				}
				c.item(x, y, e, dropped, true)
				y += itemLineHeight
			}
		}
	}
}

func (c *composer) item(x, y int, e killmail.ItemEntry, qty int64, dropped bool) {
	if dropped {
		c.rect(x-2, y-2, rightEdge, y+23, colorDropped)
	}
	if e.SubItem {
		x += subItemIndent
	}
	if e.TypeID > 0 {
		c.icon(x, y, itemIconSize, typeKey(e.TypeID, smallIconSize), assets.Key{})
	}
	name := e.Name
	if name == "" {
		name = killmail.Unknown
	}
	c.text(x+itemIconSize+5, y, name, FontItem, colorWhite)
	c.textAligned(qtyRightEdge, y, fmt.Sprintf("%d", qty), FontQty, colorWhite, AlignRight)
}

func (c *composer) footer(ev *killmail.DetailedEvent) {
	x, y := infoX+150, c.height-footerOffset
	c.text(x, y, fmt.Sprintf(c.labels.TotalValue, FormatISK(ev.Zkb.TotalValue)), FontSubtitle, colorWhite)
	y += 20
	c.text(x, y, fmt.Sprintf(c.labels.Dropped, FormatISK(ev.Zkb.DroppedValue)), FontSubtitle, colorGreen)
	y += 40
	c.text(x, y, fmt.Sprintf(c.labels.Kill, ev.KillmailID), FontText, colorWhite)
}
