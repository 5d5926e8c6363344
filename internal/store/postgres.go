package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"fleet-monitor/correlation/internal/config"
	"fleet-monitor/correlation/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FetchPolygons reads active polygon geofences. Rings are stored as jsonb
// arrays of [lon, lat] pairs, outer ring first.
func (s *PostgresStore) FetchPolygons(ctx context.Context) ([]domain.GeofencePolygon, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, rings
		FROM geofence_polygons
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query geofence_polygons: %w", err)
	}
	defer rows.Close()

	var out []domain.GeofencePolygon
	for rows.Next() {
		var (
			id, name string
			raw      []byte
		)
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan geofence_polygons: %w", err)
		}
		var coords [][][]float64
		if err := json.Unmarshal(raw, &coords); err != nil {
			// Left for the cache sanitizer to drop.
			out = append(out, domain.GeofencePolygon{ID: id, Name: name})
			continue
		}
		out = append(out, domain.GeofencePolygon{ID: id, Name: name, Rings: ringsFromCoords(coords)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read geofence_polygons: %w", err)
	}
	return out, nil
}

// FetchLines reads active route geofences. Points are stored as a jsonb
// array of {"lat": .., "lon": ..} objects in travel order.
func (s *PostgresStore) FetchLines(ctx context.Context) ([]domain.GeofenceLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, points
		FROM geofence_routes
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query geofence_routes: %w", err)
	}
	defer rows.Close()

	var out []domain.GeofenceLine
	for rows.Next() {
		var (
			id, name string
			raw      []byte
		)
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan geofence_routes: %w", err)
		}
		var pts []domain.Point
		if err := json.Unmarshal(raw, &pts); err != nil {
			out = append(out, domain.GeofenceLine{ID: id, Name: name})
			continue
		}
		line := domain.GeofenceLine{ID: id, Name: name}
		for _, p := range pts {
			line.Points = append(line.Points, p.Orb())
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read geofence_routes: %w", err)
	}
	return out, nil
}

var escalationColumns = []string{
	"escalated_at",
	"case_id",
	"unit",
	"bucket",
	"combination",
	"repetitions",
	"alert_ids",
	"geofences",
	"alert_count",
}

// InsertEscalations journals cases at the moment they became critical.
func (s *PostgresStore) InsertEscalations(ctx context.Context, escalated []domain.Case) error {
	if len(escalated) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(escalated))
	for i, c := range escalated {
		reps, err := json.Marshal(c.Repetitions)
		if err != nil {
			return fmt.Errorf("marshal repetitions for %s: %w", c.ID, err)
		}
		rows[i] = []interface{}{
			c.UpdatedAt,
			c.ID,
			c.Unit,
			c.Bucket,
			c.Combination,
			string(reps),
			c.AlertIDs(),
			c.GeofenceNames(),
			int32(len(c.Alerts)),
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"case_escalations"},
		escalationColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(escalated), err)
	}

	return nil
}

// CloseAlerts records closure of the given upstream alerts. Alerts already
// closed are left untouched. It returns the number of rows updated.
func (s *PostgresStore) CloseAlerts(ctx context.Context, ids []string, closedBy string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE alerts
		SET closed_at = NOW(), closed_by = $2
		WHERE id = ANY($1) AND closed_at IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, ids, closedBy)
	if err != nil {
		return 0, fmt.Errorf("close alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func ringsFromCoords(coords [][][]float64) []orb.Ring {
	rings := make([]orb.Ring, 0, len(coords))
	for _, ring := range coords {
		r := make(orb.Ring, 0, len(ring))
		for _, pair := range ring {
			if len(pair) < 2 {
				continue
			}
			r = append(r, orb.Point{pair[0], pair[1]})
		}
		rings = append(rings, r)
	}
	return rings
}
