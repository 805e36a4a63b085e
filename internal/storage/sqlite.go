package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wudi/transit/internal/model"
)

// SQLiteStore is the default persistent store. Radius queries use the
// in-memory haversine filter over the active set; sqlite has no spatial index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a sqlite database. Pass ":memory:" for
// an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids table locks from
	// concurrent tick persists and trip transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS buses (
    id TEXT PRIMARY KEY,
    registration_no TEXT NOT NULL DEFAULT '',
    capacity INTEGER NOT NULL DEFAULT 0,
    lat REAL NOT NULL DEFAULT 0,
    lng REAL NOT NULL DEFAULT 0,
    heading REAL NOT NULL DEFAULT 0,
    speed_kmh REAL NOT NULL DEFAULT 0,
    passenger_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OFFLINE',
    route_id TEXT NOT NULL DEFAULT '',
    simulated INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS drivers (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    license_no TEXT NOT NULL DEFAULT '',
    approved INTEGER NOT NULL DEFAULT 0,
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
    avg_speed_kmh REAL NOT NULL DEFAULT 0,
    total_distance_km REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stops (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lng REAL NOT NULL,
    stop_order INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stops_route ON stops(route_id, stop_order);

CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    bus_id TEXT NOT NULL,
    driver_id TEXT NOT NULL DEFAULT '',
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trips_bus ON trips(bus_id, status);

CREATE TABLE IF NOT EXISTS driver_state_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    driver_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stop_nodes (
    id TEXT PRIMARY KEY,
    stop_id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lng REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_edges (
    id TEXT PRIMARY KEY,
    from_node_id TEXT NOT NULL,
    to_node_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    route_number TEXT NOT NULL,
    distance_km REAL NOT NULL,
    avg_travel_time REAL NOT NULL,
    transfer_cost REAL NOT NULL,
    stop_order INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON graph_edges(from_node_id);
`

const busColumns = `id, registration_no, capacity, lat, lng, heading, speed_kmh, passenger_count, status, route_id, simulated, updated_at`

func scanBus(row interface{ Scan(...interface{}) error }) (*model.Bus, error) {
	var b model.Bus
	var simulated int
	err := row.Scan(&b.ID, &b.RegistrationNo, &b.Capacity, &b.Lat, &b.Lng,
		&b.Heading, &b.SpeedKmh, &b.PassengerCount, &b.Status, &b.RouteID,
		&simulated, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Simulated = simulated != 0
	return &b, nil
}

func (s *SQLiteStore) GetBus(id string) (*model.Bus, error) {
	row := s.db.QueryRow(`SELECT `+busColumns+` FROM buses WHERE id = ?`, id)
	b, err := scanBus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading bus: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) SaveBus(b *model.Bus) error {
	return s.saveBusTx(s.db, b)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) saveBusTx(ex execer, b *model.Bus) error {
	simulated := 0
	if b.Simulated {
		simulated = 1
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := ex.Exec(`
INSERT INTO buses (`+busColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    registration_no = excluded.registration_no,
    capacity = excluded.capacity,
    lat = excluded.lat,
    lng = excluded.lng,
    heading = excluded.heading,
    speed_kmh = excluded.speed_kmh,
    passenger_count = excluded.passenger_count,
    status = excluded.status,
    route_id = excluded.route_id,
    simulated = excluded.simulated,
    updated_at = excluded.updated_at`,
		b.ID, b.RegistrationNo, b.Capacity, b.Lat, b.Lng, b.Heading,
		b.SpeedKmh, b.PassengerCount, string(b.Status), b.RouteID, simulated, updatedAt)
	if err != nil {
		return fmt.Errorf("writing bus: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveBuses(buses []*model.Bus) error {
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

func (s *SQLiteStore) ActiveBuses() ([]*model.Bus, error) {
	rows, err := s.db.Query(`SELECT `+busColumns+` FROM buses WHERE status = ?`, string(model.BusActive))
	if err != nil {
		return nil, fmt.Errorf("listing active buses: %w", err)
	}
	defer rows.Close()

	var out []*model.Bus
	for rows.Next() {
		b, err := scanBus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bus: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BusesNear(lat, lng, radiusKm float64, limit int) ([]*model.Bus, error) {
	active, err := s.ActiveBuses()
	if err != nil {
		return nil, err
	}
	return FilterNear(active, lat, lng, radiusKm, limit), nil
}

func (s *SQLiteStore) DeleteSimulatedBuses() error {
	if _, err := s.db.Exec(`DELETE FROM buses WHERE simulated = 1`); err != nil {
		return fmt.Errorf("deleting simulated buses: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountActiveByRoute() (map[string]int, error) {
	rows, err := s.db.Query(`
SELECT route_id, COUNT(*) FROM buses
WHERE status = ? AND route_id != ''
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

const driverColumns = `id, user_id, name, license_no, approved, bus_id, state, push_token`

func scanDriver(row interface{ Scan(...interface{}) error }) (*model.Driver, error) {
	var d model.Driver
	var approved int
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.LicenseNo, &approved, &d.BusID, &d.State, &d.PushToken)
	if err != nil {
		return nil, err
	}
	d.Approved = approved != 0
	return &d, nil
}

func (s *SQLiteStore) GetDriver(id string) (*model.Driver, error) {
	row := s.db.QueryRow(`SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id)
	d, err := scanDriver(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading driver: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) GetDriverByUser(userID string) (*model.Driver, error) {
	row := s.db.QueryRow(`SELECT `+driverColumns+` FROM drivers WHERE user_id = ?`, userID)
	d, err := scanDriver(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading driver: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) SaveDriver(d *model.Driver) error {
	approved := 0
	if d.Approved {
		approved = 1
	}
	_, err := s.db.Exec(`
INSERT INTO drivers (`+driverColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    user_id = excluded.user_id,
    name = excluded.name,
    license_no = excluded.license_no,
    approved = excluded.approved,
    bus_id = excluded.bus_id,
    state = excluded.state,
    push_token = excluded.push_token`,
		d.ID, d.UserID, d.Name, d.LicenseNo, approved, d.BusID, string(d.State), d.PushToken)
	if err != nil {
		return fmt.Errorf("writing driver: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendStateLog(entry *model.StateLog) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO driver_state_logs (driver_id, from_state, to_state, reason, created_at)
VALUES (?, ?, ?, ?, ?)`,
		entry.DriverID, string(entry.From), string(entry.To), entry.Reason, ts)
	if err != nil {
		return fmt.Errorf("writing state log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearPushToken(driverID string) error {
	_, err := s.db.Exec(`UPDATE drivers SET push_token = '' WHERE id = ?`, driverID)
	if err != nil {
		return fmt.Errorf("clearing push token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Routes() ([]*model.Route, error) {
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

func scanRoute(row interface{ Scan(...interface{}) error }) (*model.Route, error) {
	var r model.Route
	var polyline string
	if err := row.Scan(&r.ID, &r.Number, &r.Name, &r.Type, &polyline, &r.AvgSpeedKmh, &r.TotalDistanceKm); err != nil {
		return nil, fmt.Errorf("scanning route: %w", err)
	}
	if err := json.Unmarshal([]byte(polyline), &r.Polyline); err != nil {
		// A malformed polyline falls back to the stop sequence.
		r.Polyline = nil
	}
	return &r, nil
}

func (s *SQLiteStore) GetRoute(id string) (*model.Route, error) {
	row := s.db.QueryRow(`SELECT id, number, name, type, polyline, avg_speed_kmh, total_distance_km FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stopRows, err := s.db.Query(`SELECT id, route_id, name, lat, lng, stop_order FROM stops WHERE route_id = ? ORDER BY stop_order`, id)
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

func (s *SQLiteStore) SaveRoute(r *model.Route) error {
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
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    number = excluded.number,
    name = excluded.name,
    type = excluded.type,
    polyline = excluded.polyline,
    avg_speed_kmh = excluded.avg_speed_kmh,
    total_distance_km = excluded.total_distance_km`,
		r.ID, r.Number, r.Name, r.Type, string(polyline), r.AvgSpeedKmh, r.TotalDistanceKm)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("writing route: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM stops WHERE route_id = ?`, r.ID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing stops: %w", err)
	}
	for _, st := range r.Stops {
		_, err := tx.Exec(`INSERT INTO stops (id, route_id, name, lat, lng, stop_order) VALUES (?, ?, ?, ?, ?, ?)`,
			st.ID, r.ID, st.Name, st.Lat, st.Lng, st.StopOrder)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("writing stop: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateTrip(t *model.Trip, busStatus model.BusStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning trip write: %w", err)
	}
	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM trips WHERE bus_id = ? AND status = ?`,
		t.BusID, string(model.TripInProgress)).Scan(&existing)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("checking active trip: %w", err)
	}
	if existing > 0 {
		tx.Rollback()
		return ErrTripInProgress
	}
	_, err = tx.Exec(`INSERT INTO trips (id, bus_id, driver_id, start_time, status) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.BusID, t.DriverID, t.StartTime, string(t.Status))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("writing trip: %w", err)
	}
	_, err = tx.Exec(`UPDATE buses SET status = ? WHERE id = ?`, string(busStatus), t.BusID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("activating bus: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ActiveTripForBus(busID string) (*model.Trip, error) {
	var t model.Trip
	var endTime sql.NullTime
	err := s.db.QueryRow(`
SELECT id, bus_id, driver_id, start_time, end_time, status
FROM trips WHERE bus_id = ? AND status = ?`,
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

func (s *SQLiteStore) EndTrip(tripID string, status model.TripStatus, endTime time.Time) error {
	res, err := s.db.Exec(`UPDATE trips SET status = ?, end_time = ? WHERE id = ?`,
		string(status), endTime, tripID)
	if err != nil {
		return fmt.Errorf("ending trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ReplaceGraph(nodes []StopNodeRow, edges []GraphEdgeRow) error {
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
	nodeStmt, err := tx.Prepare(`INSERT INTO stop_nodes (id, stop_id, name, lat, lng) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing node insert: %w", err)
	}
	for _, n := range nodes {
		if _, err := nodeStmt.Exec(n.ID, n.StopID, n.Name, n.Lat, n.Lng); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing node: %w", err)
		}
	}
	edgeStmt, err := tx.Prepare(`
INSERT INTO graph_edges (id, from_node_id, to_node_id, route_id, route_number, distance_km, avg_travel_time, transfer_cost, stop_order)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing edge insert: %w", err)
	}
	for _, e := range edges {
		if _, err := edgeStmt.Exec(e.ID, e.FromNodeID, e.ToNodeID, e.RouteID, e.RouteNumber,
			e.DistanceKm, e.AvgTravelTime, e.TransferCost, e.StopOrder); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing edge: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GraphNodes() ([]StopNodeRow, error) {
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

func (s *SQLiteStore) GraphEdges() ([]GraphEdgeRow, error) {
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
