package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/wudi/transit/internal/model"
)

// PostgresStore is the production store. When the PostGIS extension is
// installed, radius queries run server-side through ST_DWithin; otherwise
// they fall back to the in-memory haversine filter.
type PostgresStore struct {
	db      *sql.DB
	postgis bool
}

// NewPostgresStore connects and migrates a postgres database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if _, err := db.Exec(pgSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &PostgresStore{db: db}
	var version string
	if err := db.QueryRow(`SELECT PostGIS_Version()`).Scan(&version); err == nil && version != "" {
		s.postgis = true
	}
	return s, nil
}

const pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS buses (
    id TEXT PRIMARY KEY,
    registration_no TEXT NOT NULL DEFAULT '',
    capacity INTEGER NOT NULL DEFAULT 0,
    lat DOUBLE PRECISION NOT NULL DEFAULT 0,
    lng DOUBLE PRECISION NOT NULL DEFAULT 0,
    heading DOUBLE PRECISION NOT NULL DEFAULT 0,
    speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    passenger_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OFFLINE',
    route_id TEXT NOT NULL DEFAULT '',
    simulated BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS drivers (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    license_no TEXT NOT NULL DEFAULT '',
    approved BOOLEAN NOT NULL DEFAULT FALSE,
    bus_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'PENDING',
    push_token TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS routes (
    id TEXT PRIMARY KEY,
    number TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    polyline TEXT NOT NULL DEFAULT '[]',
    avg_speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stops (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lng DOUBLE PRECISION NOT NULL,
    stop_order INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stops_route ON stops(route_id, stop_order);

CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    bus_id TEXT NOT NULL,
    driver_id TEXT NOT NULL DEFAULT '',
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trips_bus ON trips(bus_id, status);

CREATE TABLE IF NOT EXISTS driver_state_logs (
    id BIGSERIAL PRIMARY KEY,
    driver_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stop_nodes (
    id TEXT PRIMARY KEY,
    stop_id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lng DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_edges (
    id TEXT PRIMARY KEY,
    from_node_id TEXT NOT NULL,
    to_node_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    route_number TEXT NOT NULL,
    distance_km DOUBLE PRECISION NOT NULL,
    avg_travel_time DOUBLE PRECISION NOT NULL,
    transfer_cost DOUBLE PRECISION NOT NULL,
    stop_order INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON graph_edges(from_node_id);
`

func (s *PostgresStore) GetBus(id string) (*model.Bus, error) {
	row := s.db.QueryRow(`
SELECT id, registration_no, capacity, lat, lng, heading, speed_kmh, passenger_count, status, route_id, simulated, updated_at
FROM buses WHERE id = $1`, id)
	b, err := s.scanBus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading bus: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) scanBus(row interface{ Scan(...interface{}) error }) (*model.Bus, error) {
	var b model.Bus
	err := row.Scan(&b.ID, &b.RegistrationNo, &b.Capacity, &b.Lat, &b.Lng,
		&b.Heading, &b.SpeedKmh, &b.PassengerCount, &b.Status, &b.RouteID,
		&b.Simulated, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) saveBusTx(ex execer, b *model.Bus) error {
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := ex.Exec(`
INSERT INTO buses (id, registration_no, capacity, lat, lng, heading, speed_kmh, passenger_count, status, route_id, simulated, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    registration_no = EXCLUDED.registration_no,
    capacity = EXCLUDED.capacity,
    lat = EXCLUDED.lat,
    lng = EXCLUDED.lng,
    heading = EXCLUDED.heading,
    speed_kmh = EXCLUDED.speed_kmh,
    passenger_count = EXCLUDED.passenger_count,
    status = EXCLUDED.status,
    route_id = EXCLUDED.route_id,
    simulated = EXCLUDED.simulated,
    updated_at = EXCLUDED.updated_at`,
		b.ID, b.RegistrationNo, b.Capacity, b.Lat, b.Lng, b.Heading,
		b.SpeedKmh, b.PassengerCount, string(b.Status), b.RouteID, b.Simulated, updatedAt)
	if err != nil {
		return fmt.Errorf("writing bus: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveBus(b *model.Bus) error {
	return s.saveBusTx(s.db, b)
}

func (s *PostgresStore) SaveBuses(buses []*model.Bus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bus batch: %w", err)
	}
	for _, b := range buses {
		if err := s.saveBusTx(tx, b); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ActiveBuses() ([]*model.Bus, error) {
	rows, err := s.db.Query(`
SELECT id, registration_no, capacity, lat, lng, heading, speed_kmh, passenger_count, status, route_id, simulated, updated_at
FROM buses WHERE status = $1`, string(model.BusActive))
	if err != nil {
		return nil, fmt.Errorf("listing active buses: %w", err)
	}
	defer rows.Close()

	var out []*model.Bus
	for rows.Next() {
		b, err := s.scanBus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bus: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BusesNear(lat, lng, radiusKm float64, limit int) ([]*model.Bus, error) {
	if !s.postgis {
		active, err := s.ActiveBuses()
		if err != nil {
			return nil, err
		}
		return FilterNear(active, lat, lng, radiusKm, limit), nil
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
SELECT id, registration_no, capacity, lat, lng, heading, speed_kmh, passenger_count, status, route_id, simulated, updated_at
FROM buses
WHERE status = $1
  AND ST_DWithin(
      ST_MakePoint(lng, lat)::geography,
      ST_MakePoint($2, $3)::geography,
      $4)
ORDER BY ST_Distance(
      ST_MakePoint(lng, lat)::geography,
      ST_MakePoint($2, $3)::geography)
LIMIT $5`,
		string(model.BusActive), lng, lat, radiusKm*1000, limit)
	if err != nil {
		return nil, fmt.Errorf("radius query: %w", err)
	}
	defer rows.Close()

	var out []*model.Bus
	for rows.Next() {
		b, err := s.scanBus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bus: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSimulatedBuses() error {
	if _, err := s.db.Exec(`DELETE FROM buses WHERE simulated`); err != nil {
		return fmt.Errorf("deleting simulated buses: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActiveByRoute() (map[string]int, error) {
	rows, err := s.db.Query(`
SELECT route_id, COUNT(*) FROM buses
WHERE status = $1 AND route_id != ''
GROUP BY route_id`, string(model.BusActive))
	if err != nil {
		return nil, fmt.Errorf("counting buses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var routeID string
		var n int
		if err := rows.Scan(&routeID, &n); err != nil {
			return nil, err
		}
		counts[routeID] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) GetDriver(id string) (*model.Driver, error) {
	row := s.db.QueryRow(`SELECT id, user_id, name, license_no, approved, bus_id, state, push_token FROM drivers WHERE id = $1`, id)
	return s.scanDriverRow(row)
}

func (s *PostgresStore) GetDriverByUser(userID string) (*model.Driver, error) {
	row := s.db.QueryRow(`SELECT id, user_id, name, license_no, approved, bus_id, state, push_token FROM drivers WHERE user_id = $1`, userID)
	return s.scanDriverRow(row)
}

func (s *PostgresStore) scanDriverRow(row *sql.Row) (*model.Driver, error) {
	var d model.Driver
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.LicenseNo, &d.Approved, &d.BusID, &d.State, &d.PushToken)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading driver: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) SaveDriver(d *model.Driver) error {
	_, err := s.db.Exec(`
INSERT INTO drivers (id, user_id, name, license_no, approved, bus_id, state, push_token)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    name = EXCLUDED.name,
    license_no = EXCLUDED.license_no,
    approved = EXCLUDED.approved,
    bus_id = EXCLUDED.bus_id,
    state = EXCLUDED.state,
    push_token = EXCLUDED.push_token`,
		d.ID, d.UserID, d.Name, d.LicenseNo, d.Approved, d.BusID, string(d.State), d.PushToken)
	if err != nil {
		return fmt.Errorf("writing driver: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendStateLog(entry *model.StateLog) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO driver_state_logs (driver_id, from_state, to_state, reason, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		entry.DriverID, string(entry.From), string(entry.To), entry.Reason, ts)
	if err != nil {
		return fmt.Errorf("writing state log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearPushToken(driverID string) error {
	_, err := s.db.Exec(`UPDATE drivers SET push_token = '' WHERE id = $1`, driverID)
	if err != nil {
		return fmt.Errorf("clearing push token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Routes() ([]*model.Route, error) {
	rows, err := s.db.Query(`SELECT id, number, name, type, polyline, avg_speed_kmh, total_distance_km FROM routes`)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	var out []*model.Route
	byID := make(map[string]*model.Route)
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stopRows, err := s.db.Query(`SELECT id, route_id, name, lat, lng, stop_order FROM stops ORDER BY route_id, stop_order`)
	if err != nil {
		return nil, fmt.Errorf("listing stops: %w", err)
	}
	defer stopRows.Close()
	for stopRows.Next() {
		var st model.Stop
		if err := stopRows.Scan(&st.ID, &st.RouteID, &st.Name, &st.Lat, &st.Lng, &st.StopOrder); err != nil {
			return nil, err
		}
		if r, ok := byID[st.RouteID]; ok {
			r.Stops = append(r.Stops, st)
		}
	}
	return out, stopRows.Err()
}

func (s *PostgresStore) GetRoute(id string) (*model.Route, error) {
	row := s.db.QueryRow(`SELECT id, number, name, type, polyline, avg_speed_kmh, total_distance_km FROM routes WHERE id = $1`, id)
	r, err := scanRoute(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stopRows, err := s.db.Query(`SELECT id, route_id, name, lat, lng, stop_order FROM stops WHERE route_id = $1 ORDER BY stop_order`, id)
	if err != nil {
		return nil, fmt.Errorf("listing stops: %w", err)
	}
	defer stopRows.Close()
	for stopRows.Next() {
		var st model.Stop
		if err := stopRows.Scan(&st.ID, &st.RouteID, &st.Name, &st.Lat, &st.Lng, &st.StopOrder); err != nil {
			return nil, err
		}
		r.Stops = append(r.Stops, st)
	}
	return r, stopRows.Err()
}

func (s *PostgresStore) SaveRoute(r *model.Route) error {
	polyline, err := json.Marshal(r.Polyline)
	if err != nil {
		return fmt.Errorf("encoding polyline: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning route write: %w", err)
	}
	_, err = tx.Exec(`
INSERT INTO routes (id, number, name, type, polyline, avg_speed_kmh, total_distance_km)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    number = EXCLUDED.number,
    name = EXCLUDED.name,
    type = EXCLUDED.type,
    polyline = EXCLUDED.polyline,
    avg_speed_kmh = EXCLUDED.avg_speed_kmh,
    total_distance_km = EXCLUDED.total_distance_km`,
		r.ID, r.Number, r.Name, r.Type, string(polyline), r.AvgSpeedKmh, r.TotalDistanceKm)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("writing route: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM stops WHERE route_id = $1`, r.ID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing stops: %w", err)
	}
	for _, st := range r.Stops {
		_, err := tx.Exec(`INSERT INTO stops (id, route_id, name, lat, lng, stop_order) VALUES ($1, $2, $3, $4, $5, $6)`,
			st.ID, r.ID, st.Name, st.Lat, st.Lng, st.StopOrder)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("writing stop: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateTrip(t *model.Trip, busStatus model.BusStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trip write: %w", err)
	}
	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM trips WHERE bus_id = $1 AND status = $2`,
		t.BusID, string(model.TripInProgress)).Scan(&existing)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("checking active trip: %w", err)
	}
	if existing > 0 {
		tx.Rollback()
		return ErrTripInProgress
	}
	_, err = tx.Exec(`INSERT INTO trips (id, bus_id, driver_id, start_time, status) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.BusID, t.DriverID, t.StartTime, string(t.Status))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("writing trip: %w", err)
	}
	_, err = tx.Exec(`UPDATE buses SET status = $1 WHERE id = $2`, string(busStatus), t.BusID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("activating bus: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ActiveTripForBus(busID string) (*model.Trip, error) {
	var t model.Trip
	var endTime sql.NullTime
	err := s.db.QueryRow(`
SELECT id, bus_id, driver_id, start_time, end_time, status
FROM trips WHERE bus_id = $1 AND status = $2`,
		busID, string(model.TripInProgress)).
		Scan(&t.ID, &t.BusID, &t.DriverID, &t.StartTime, &endTime, &t.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading trip: %w", err)
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	return &t, nil
}

func (s *PostgresStore) EndTrip(tripID string, status model.TripStatus, endTime time.Time) error {
	res, err := s.db.Exec(`UPDATE trips SET status = $1, end_time = $2 WHERE id = $3`,
		string(status), endTime, tripID)
	if err != nil {
		return fmt.Errorf("ending trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReplaceGraph(nodes []StopNodeRow, edges []GraphEdgeRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning graph rewrite: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM graph_edges`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing edges: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM stop_nodes`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing nodes: %w", err)
	}
	for _, n := range nodes {
		if _, err := tx.Exec(`INSERT INTO stop_nodes (id, stop_id, name, lat, lng) VALUES ($1, $2, $3, $4, $5)`,
			n.ID, n.StopID, n.Name, n.Lat, n.Lng); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing node: %w", err)
		}
	}
	for _, e := range edges {
		if _, err := tx.Exec(`
INSERT INTO graph_edges (id, from_node_id, to_node_id, route_id, route_number, distance_km, avg_travel_time, transfer_cost, stop_order)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.FromNodeID, e.ToNodeID, e.RouteID, e.RouteNumber,
			e.DistanceKm, e.AvgTravelTime, e.TransferCost, e.StopOrder); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing edge: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GraphNodes() ([]StopNodeRow, error) {
	rows, err := s.db.Query(`SELECT id, stop_id, name, lat, lng FROM stop_nodes`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []StopNodeRow
	for rows.Next() {
		var n StopNodeRow
		if err := rows.Scan(&n.ID, &n.StopID, &n.Name, &n.Lat, &n.Lng); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GraphEdges() ([]GraphEdgeRow, error) {
	rows, err := s.db.Query(`
SELECT id, from_node_id, to_node_id, route_id, route_number, distance_km, avg_travel_time, transfer_cost, stop_order
FROM graph_edges`)
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	defer rows.Close()

	var out []GraphEdgeRow
	for rows.Next() {
		var e GraphEdgeRow
		if err := rows.Scan(&e.ID, &e.FromNodeID, &e.ToNodeID, &e.RouteID, &e.RouteNumber,
			&e.DistanceKm, &e.AvgTravelTime, &e.TransferCost, &e.StopOrder); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
