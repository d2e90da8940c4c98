package main

import (
	"fmt"
	"math"
	"strings"
)

// Station is one known transit station, loaded per shard region at worker
// start and read-only afterwards.
type Station struct {
	ID     int64
	Region int
	Name   string
	Lat    float64
	Lon    float64
}

const earthRadiusKM = 6371.0

// haversineKM is the great-circle distance on a spherical Earth.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// NearestStation resolves a reported station name/coordinate against the
// table. Exact name match wins; several stations sharing the name (same name
// on different lines) are disambiguated by distance; with no name match the
// globally nearest station is returned. Only an empty table yields nil.
func NearestStation(table []Station, name string, lat, lon float64) *Station {
	if len(table) == 0 {
		return nil
	}

	name = strings.ToLower(strings.TrimSpace(name))
	var byName []*Station
	for i := range table {
		if strings.ToLower(table[i].Name) == name && name != "" {
			byName = append(byName, &table[i])
		}
	}
	if len(byName) == 1 {
		return byName[0]
	}
	if len(byName) > 1 {
		return closestOf(byName, lat, lon)
	}

	all := make([]*Station, len(table))
	for i := range table {
		all[i] = &table[i]
	}
	return closestOf(all, lat, lon)
}

func closestOf(cands []*Station, lat, lon float64) *Station {
	best := cands[0]
	bestD := haversineKM(lat, lon, best.Lat, best.Lon)
	for _, c := range cands[1:] {
		if d := haversineKM(lat, lon, c.Lat, c.Lon); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// TravelEstimate is the upstream-reported travel time converted to an
// approximate distance.
type TravelEstimate struct {
	Minutes   int
	Transport bool
	DistanceM int
}

// Average speeds for converting reported minutes into distance.
const (
	walkKMH    = 5.0
	transitKMH = 20.0
)

// EstimateTravel derives a distance estimate from the upstream's reported
// walk/transit minutes.
func EstimateTravel(minutes int, transport bool) TravelEstimate {
	if minutes < 0 {
		minutes = 0
	}
	speed := walkKMH
	if transport {
		speed = transitKMH
	}
	meters := float64(minutes) / 60 * speed * 1000
	return TravelEstimate{
		Minutes:   minutes,
		Transport: transport,
		DistanceM: int(math.Round(meters/10) * 10),
	}
}

// Label renders the distance in readable units: meters under a kilometer,
// one-decimal kilometers above.
func (t TravelEstimate) Label() string {
	if t.DistanceM < 1000 {
		return fmt.Sprintf("%d m", t.DistanceM)
	}
	return fmt.Sprintf("%.1f km", float64(t.DistanceM)/1000)
}
