package domain

import "github.com/paulmach/orb"

// GeofencePolygon rings hold [lon, lat] pairs, closed (first == last).
type GeofencePolygon struct {
	ID    string
	Name  string
	Rings []orb.Ring
	Bound orb.Bound
}

// GeofenceLine points hold [lon, lat] pairs in route order.
type GeofenceLine struct {
	ID     string
	Name   string
	Points orb.LineString
}

func (p Point) Orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// Swapped returns p with latitude and longitude transposed.
func (p Point) Swapped() Point {
	return Point{Lat: p.Lon, Lon: p.Lat}
}
