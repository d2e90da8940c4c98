package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Proger-1984/first-call-crm-sub001/adapters"
)

// Listing is the durable internal record, keyed by (source_id, external_id).
type Listing struct {
	SourceID   int
	ExternalID int64
	Shard      string
	Category   string
	Rooms      string
	Title      string
	City       string
	Street     string
	House      string
	Price      int
	AreaM2     float64
	Floor      int
	FloorsTot  int
	Phone      string
	URL        string
	Lat        *float64
	Lon        *float64
	Status     string // new | promoted
}

const (
	StatusNew      = "new"
	StatusPromoted = "promoted"
)

// Room count sentinels as the upstream codes them.
const (
	roomCodeStudio   = 9
	roomCodeFourPlus = 7
)

var roomClasses = map[int]string{
	1:                "1",
	2:                "2",
	3:                "3",
	4:                "4",
	5:                "5",
	6:                "6",
	roomCodeFourPlus: "4+",
	roomCodeStudio:   "studio",
}

// Commercial type codes resolved once for the process lifetime. Class is
// the stored classification, Name the display label.
type commercialType struct {
	Class string
	Name  string
}

var commercialTypes = map[int]commercialType{
	1: {"office", "Office"},
	2: {"retail", "Retail space"},
	3: {"warehouse", "Warehouse"},
	4: {"free_purpose", "Free-purpose premises"},
	5: {"production", "Production facility"},
	6: {"catering", "Catering space"},
}

const (
	commercialGenericTitle = "Commercial space"
	roomsUnknown           = "unknown"
)

// NormalizeOffer maps one raw upstream offer to the internal listing shape.
// ok=false means the offer lacks required identifying fields; the caller
// marks it seen and moves on.
func NormalizeOffer(of adapters.Offer, shard ShardConfig, sourceID int) (*Listing, bool) {
	if of.ID == 0 {
		return nil, false
	}

	l := &Listing{
		SourceID:   sourceID,
		ExternalID: of.ID,
		Shard:      shard.Name,
		Category:   shard.Category,
		Price:      of.Price,
		AreaM2:     of.AreaM2,
		Floor:      of.Floor,
		FloorsTot:  of.FloorsTotal,
		URL:        strings.TrimSpace(of.URL),
		Status:     StatusNew,
	}
	if of.IsRaised {
		l.Status = StatusPromoted
	}
	if of.HasPoint() {
		lat, lon := of.Lat, of.Lon
		l.Lat, l.Lon = &lat, &lon
	}

	if shard.Category == CategoryCommercial {
		// An omitted or unrecognized type code falls back to "unknown".
		l.Rooms = roomsUnknown
		l.Title = commercialGenericTitle
		if ct, ok := commercialTypes[of.CommercialType]; ok {
			l.Rooms = ct.Class
			l.Title = ct.Name
		}
		if of.AreaM2 > 0 {
			l.Title = fmt.Sprintf("%s, %s m²", l.Title, trimFloat(of.AreaM2))
		}
	} else {
		rooms, ok := roomClasses[of.RoomsCode]
		if !ok {
			return nil, false
		}
		l.Rooms = rooms
		if rooms == "studio" {
			l.Title = fmt.Sprintf("Studio, %s m²", trimFloat(of.AreaM2))
		} else {
			l.Title = fmt.Sprintf("%s-room apartment, %s m²", rooms, trimFloat(of.AreaM2))
		}
	}

	l.City, l.Street, l.House = parseAddress(of.Address)
	l.Phone = normalizePhone(of.Phone)

	return l, true
}

// parseAddress walks the flat component list: first CITY (or CITY_DISTRICT
// when no CITY appears) becomes city, first STREET street, first HOUSE
// house. Later duplicates of a tag are ignored.
func parseAddress(parts []adapters.AddressPart) (city, street, house string) {
	district := ""
	for _, p := range parts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		switch p.Type {
		case adapters.AddrCity:
			if city == "" {
				city = name
			}
		case adapters.AddrCityDistrict:
			if district == "" {
				district = name
			}
		case adapters.AddrStreet:
			if street == "" {
				street = name
			}
		case adapters.AddrHouse:
			if house == "" {
				house = name
			}
		}
	}
	if city == "" {
		city = district
	}
	return city, street, house
}

var (
	nonDigitRe = regexp.MustCompile(`\D`)
	mobileRe   = regexp.MustCompile(`9\d{9}`)
)

// normalizePhone canonicalizes to an 11-digit number with the country-code
// leading digit, or "" when nothing usable survives.
func normalizePhone(raw string) string {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	switch {
	case len(digits) == 10:
		return "7" + digits
	case len(digits) == 11:
		return "7" + digits[1:]
	default:
		if m := mobileRe.FindString(digits); m != "" {
			return "7" + m
		}
		return ""
	}
}

// trimFloat renders an area without a trailing ".0".
func trimFloat(f float64) string {
	s := fmt.Sprintf("%.1f", f)
	return strings.TrimSuffix(s, ".0")
}
