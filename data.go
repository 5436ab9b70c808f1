package varioreceiver

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DataRecorder struct {
	db            *sql.DB
	samples       []altSample // Circular buffer for climb-rate estimation
	maxSamples    int         // Size of circular buffer
	currentIndex  int         // Current position in circular buffer
	count         int         // Total samples seen, saturates at maxSamples
	window        time.Duration
	writeInterval time.Duration
	lastWrite     int64
}

type altSample struct {
	t   int64   // unix micros
	alt float64 // pressure altitude, m
}

// HistoricalData is one recorded row.
type HistoricalData struct {
	Timestamp   int64   `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Altitude    float64 `json:"altitude"`
	ClimbRate   float64 `json:"climb_rate"`
}

func NewDataRecorder(path string) (*DataRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create table if it doesn't exist
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			timestamp INTEGER PRIMARY KEY,
			temperature REAL,
			pressure REAL,
			altitude REAL,
			climb_rate REAL
		)
	`)
	if err != nil {
		return nil, err
	}

	return &DataRecorder{
		db:            db,
		samples:       make([]altSample, 256), // ~6s of samples at full rate
		maxSamples:    256,
		window:        time.Second,
		writeInterval: 500 * time.Millisecond,
	}, nil
}

func (dr *DataRecorder) Close() error {
	return dr.db.Close()
}

// AddReading folds a new reading into the altitude history and returns the
// current climb-rate estimate. Rows are written to the database at most once
// per writeInterval.
func (dr *DataRecorder) AddReading(reading VarioReading) float64 {
	dr.samples[dr.currentIndex] = altSample{t: reading.Timestamp, alt: reading.Altitude}
	dr.currentIndex = (dr.currentIndex + 1) % dr.maxSamples
	if dr.count < dr.maxSamples {
		dr.count++
	}

	climb := dr.climbRate(reading.Timestamp)

	if reading.Timestamp-dr.lastWrite >= dr.writeInterval.Microseconds() {
		dr.lastWrite = reading.Timestamp
		reading.ClimbRate = climb
		if err := dr.writeToDatabase(reading); err != nil {
			log.Println("Error writing to database:", err)
		}
	}

	return climb
}

// climbRate is the least-squares slope of altitude over the samples inside
// the estimation window ending at now.
func (dr *DataRecorder) climbRate(now int64) float64 {
	cutoff := now - dr.window.Microseconds()

	var n int
	var sumX, sumY float64
	for i := 0; i < dr.count; i++ {
		s := dr.samples[(dr.currentIndex-1-i+dr.maxSamples)%dr.maxSamples]
		if s.t < cutoff {
			break
		}
		sumX += float64(s.t-cutoff) / 1e6
		sumY += s.alt
		n++
	}
	if n < 2 {
		return 0
	}

	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var num, den float64
	for i := 0; i < n; i++ {
		s := dr.samples[(dr.currentIndex-1-i+dr.maxSamples)%dr.maxSamples]
		x := float64(s.t-cutoff)/1e6 - meanX
		num += x * (s.alt - meanY)
		den += x * x
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (dr *DataRecorder) writeToDatabase(reading VarioReading) error {
	_, err := dr.db.Exec(`
		INSERT OR REPLACE INTO readings (
			timestamp,
			temperature,
			pressure,
			altitude,
			climb_rate
		) VALUES (?, ?, ?, ?, ?)`,
		reading.Timestamp,
		reading.Temperature,
		reading.Pressure,
		reading.Altitude,
		reading.ClimbRate,
	)

	return err
}

func (dr *DataRecorder) GetHistoricalData(startTime, endTime int64) ([]HistoricalData, error) {
	rows, err := dr.db.Query(`
		SELECT
			timestamp,
			temperature,
			pressure,
			altitude,
			climb_rate
		FROM readings
		WHERE timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC
	`, startTime, endTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []HistoricalData

	for rows.Next() {
		var point HistoricalData
		err := rows.Scan(
			&point.Timestamp,
			&point.Temperature,
			&point.Pressure,
			&point.Altitude,
			&point.ClimbRate,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, point)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
