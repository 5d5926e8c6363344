package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"fleet-monitor/correlation/internal/config"
	"fleet-monitor/correlation/internal/store"
)

func main() {
	operators := flag.String("operators", "test_key=test_operator",
		"comma-separated api_key=operator pairs to store in Redis; empty skips Redis")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fleet_user"),
		dbGetEnv("DB_PASSWORD", "fleet_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_extensions(ctx, conn)
	step2_geofence_tables(ctx, conn)
	step3_alerts_table(ctx, conn)
	step4_escalations_table(ctx, conn)
	step5_indexes(ctx, conn)
	step6_verify(ctx, conn)
	if *operators != "" {
		step7_operator_keys(ctx, *operators)
	}

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./cmd/correlator")
}

// ─────────────────────────────────────────────────────────────
// Step 1 · Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	// Escalation journal is a hypertable
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2 · geofence_polygons / geofence_routes
// ─────────────────────────────────────────────────────────────
func step2_geofence_tables(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: geofence tables ─────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofence_polygons (
			id          TEXT        PRIMARY KEY,

			-- Name prefix may carry the SLTA class, e.g. "S-Sucursal Norte"
			name        TEXT        NOT NULL,

			-- Rings of [lon, lat] pairs, outer ring first
			rings       JSONB       NOT NULL,

			active      BOOLEAN     NOT NULL DEFAULT true,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "geofence_polygons table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofence_routes (
			id          TEXT        PRIMARY KEY,
			name        TEXT        NOT NULL,

			-- Ordered [{"lat": .., "lon": ..}] points
			points      JSONB       NOT NULL,

			active      BOOLEAN     NOT NULL DEFAULT true,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "geofence_routes table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 · alerts
// ─────────────────────────────────────────────────────────────
func step3_alerts_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: alerts table ────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alerts (
			-- Upstream alert id, as served by the poll feed
			id           TEXT        PRIMARY KEY,

			unit         TEXT        NOT NULL,
			alert_type   TEXT        NOT NULL,
			message      TEXT        NOT NULL,
			incident_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			-- Set when an operator closes the case holding the alert.
			-- NULL means still open
			closed_at    TIMESTAMPTZ,
			closed_by    TEXT
		);
	`, "alerts table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 · case_escalations
// ─────────────────────────────────────────────────────────────
func step4_escalations_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: case_escalations table ──────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS case_escalations (
			escalated_at  TIMESTAMPTZ NOT NULL,

			-- unit@YYYY-MM-DDTHH±hh:mm in the configured case timezone
			case_id       TEXT        NOT NULL,
			unit          TEXT        NOT NULL,
			bucket        TIMESTAMPTZ NOT NULL,

			-- "A + B" when two or more distinct types, else empty
			combination   TEXT        NOT NULL DEFAULT '',
			repetitions   JSONB       NOT NULL,
			alert_ids     TEXT[]      NOT NULL DEFAULT '{}',
			geofences     TEXT[]      NOT NULL DEFAULT '{}',
			alert_count   INTEGER     NOT NULL
		);
	`, "case_escalations table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'case_escalations',
			'escalated_at',
			if_not_exists => TRUE
		);
	`, "case_escalations converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 5 · Indexes
// ─────────────────────────────────────────────────────────────
func step5_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_escalations_case",
			sql: `CREATE INDEX IF NOT EXISTS idx_escalations_case
				  ON case_escalations (case_id, escalated_at DESC);`,
			why: "query: escalation history of one case",
		},
		{
			name: "idx_escalations_unit",
			sql: `CREATE INDEX IF NOT EXISTS idx_escalations_unit
				  ON case_escalations (unit, escalated_at DESC);`,
			why: "query: escalations for one unit",
		},
		{
			name: "idx_alerts_unit",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_unit
				  ON alerts (unit, created_at DESC);`,
			why: "query: alerts for one unit",
		},
		{
			name: "idx_alerts_open",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_open
				  ON alerts (unit, created_at DESC)
				  WHERE closed_at IS NULL;`,
			why: "query: open alerts only (partial index)",
		},
		{
			name: "idx_polygons_active",
			sql: `CREATE INDEX IF NOT EXISTS idx_polygons_active
				  ON geofence_polygons (id) WHERE active;`,
			why: "query: geofence cache load",
		},
		{
			name: "idx_routes_active",
			sql: `CREATE INDEX IF NOT EXISTS idx_routes_active
				  ON geofence_routes (id) WHERE active;`,
			why: "query: geofence cache load",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 6 · Verify everything was created
// ─────────────────────────────────────────────────────────────
func step6_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	tables := []string{"geofence_polygons", "geofence_routes", "alerts", "case_escalations"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'case_escalations'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("case_escalations is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s (time partitioned)\n", hypertableName)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('geofence_polygons', 'geofence_routes', 'alerts', 'case_escalations')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Step 7 · Operator API keys, read by the authenticator after its
// static keys. The operator name becomes closed_by on case closure.
// ─────────────────────────────────────────────────────────────
func step7_operator_keys(ctx context.Context, pairs string) {
	fmt.Println("\n── Step 7: Operator API keys (Redis) ───────────")

	rs, err := store.NewRedisStore(ctx, config.Load())
	if err != nil {
		log.Fatalf("%v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rs.Close()

	for _, pair := range strings.Split(pairs, ",") {
		key, operator, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || operator == "" {
			log.Fatalf("bad operator pair %q, want api_key=operator", pair)
		}
		if err := rs.SetAPIKey(ctx, key, operator); err != nil {
			log.Fatalf("%v", err)
		}
		got, err := rs.GetAPIKey(ctx, key)
		if err != nil || got != operator {
			log.Fatalf("read-back of %s failed: got %q, err %v", key, got, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", key, operator)
	}
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
