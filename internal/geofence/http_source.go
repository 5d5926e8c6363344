package geofence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fleet-monitor/correlation/internal/domain"
)

const maxSourceBody = 32 << 20

// HTTPSource fetches geofences from the REST backend. The polygon endpoint
// may answer with a GeoJSON FeatureCollection or a plain list of
// {id, name, ring}; the routes endpoint answers a list of {id, name, points}.
// Either list may be wrapped as {"data": [...]}.
type HTTPSource struct {
	client      *http.Client
	polygonsURL string
	routesURL   string
	apiKey      string
}

func NewHTTPSource(polygonsURL, routesURL, apiKey string) *HTTPSource {
	return &HTTPSource{
		client:      &http.Client{Timeout: 30 * time.Second},
		polygonsURL: polygonsURL,
		routesURL:   routesURL,
		apiKey:      apiKey,
	}
}

func (s *HTTPSource) FetchPolygons(ctx context.Context) ([]domain.GeofencePolygon, error) {
	body, err := s.get(ctx, s.polygonsURL)
	if err != nil {
		return nil, err
	}
	return DecodePolygons(body)
}

func (s *HTTPSource) FetchLines(ctx context.Context) ([]domain.GeofenceLine, error) {
	body, err := s.get(ctx, s.routesURL)
	if err != nil {
		return nil, err
	}
	return DecodeLines(body)
}

func (s *HTTPSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}

type polygonRecord struct {
	ID     json.RawMessage `json:"id"`
	Name   string          `json:"name"`
	Nombre string          `json:"nombre"`
	Ring   [][]float64     `json:"ring"`
	Coords [][]float64     `json:"coordinates"`
}

type lineRecord struct {
	ID     json.RawMessage `json:"id"`
	Name   string          `json:"name"`
	Nombre string          `json:"nombre"`
	Points []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
		Lng float64 `json:"lng"`
	} `json:"points"`
}

func DecodePolygons(body []byte) ([]domain.GeofencePolygon, error) {
	if looksLikeFeatureCollection(body) {
		fc, err := geojson.UnmarshalFeatureCollection(body)
		if err != nil {
			return nil, fmt.Errorf("decode polygon features: %w", err)
		}
		return polygonsFromFeatures(fc), nil
	}

	var records []polygonRecord
	if err := unmarshalList(body, &records); err != nil {
		return nil, fmt.Errorf("decode polygons: %w", err)
	}
	out := make([]domain.GeofencePolygon, 0, len(records))
	for _, r := range records {
		coords := r.Ring
		if len(coords) == 0 {
			coords = r.Coords
		}
		ring := make(orb.Ring, 0, len(coords))
		for _, c := range coords {
			if len(c) >= 2 {
				ring = append(ring, orb.Point{c[0], c[1]})
			}
		}
		out = append(out, domain.GeofencePolygon{
			ID:    rawID(r.ID),
			Name:  firstNonEmpty(r.Name, r.Nombre),
			Rings: []orb.Ring{ring},
		})
	}
	return out, nil
}

func polygonsFromFeatures(fc *geojson.FeatureCollection) []domain.GeofencePolygon {
	out := make([]domain.GeofencePolygon, 0, len(fc.Features))
	for i, f := range fc.Features {
		var rings []orb.Ring
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			rings = append(rings, g...)
		case orb.MultiPolygon:
			for _, poly := range g {
				rings = append(rings, poly...)
			}
		case orb.Ring:
			rings = append(rings, g)
		default:
			continue
		}

		id := featureID(f.ID)
		if id == "" {
			id = f.Properties.MustString("id", strconv.Itoa(i))
		}
		out = append(out, domain.GeofencePolygon{
			ID:    id,
			Name:  firstNonEmpty(f.Properties.MustString("name", ""), f.Properties.MustString("nombre", "")),
			Rings: rings,
		})
	}
	return out
}

func DecodeLines(body []byte) ([]domain.GeofenceLine, error) {
	var records []lineRecord
	if err := unmarshalList(body, &records); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	out := make([]domain.GeofenceLine, 0, len(records))
	for _, r := range records {
		pts := make(orb.LineString, 0, len(r.Points))
		for _, p := range r.Points {
			lon := p.Lon
			if lon == 0 {
				lon = p.Lng
			}
			pts = append(pts, orb.Point{lon, p.Lat})
		}
		out = append(out, domain.GeofenceLine{
			ID:     rawID(r.ID),
			Name:   firstNonEmpty(r.Name, r.Nombre),
			Points: pts,
		})
	}
	return out, nil
}

func looksLikeFeatureCollection(body []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, &probe) == nil && probe.Type == "FeatureCollection"
}

func unmarshalList(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return err
		}
		if len(wrapped.Data) == 0 {
			return fmt.Errorf("object without data field")
		}
		trimmed = wrapped.Data
	}
	return json.Unmarshal(trimmed, v)
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if id := string(bytes.TrimSpace(raw)); id != "null" {
		return id
	}
	return ""
}

func featureID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
