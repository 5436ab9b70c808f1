package varioreceiver

import (
	"encoding/csv"
	"fmt"
	"io"
)

type CSVWriter struct {
	writer *csv.Writer
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{
		writer: csv.NewWriter(w),
	}
}

func (cw *CSVWriter) Start(readings <-chan VarioReading) error {
	// Write CSV header
	if err := cw.writer.Write([]string{"Timestamp_us", "Temperature_C", "Pressure_hPa", "Altitude_m", "ClimbRate_ms"}); err != nil {
		return fmt.Errorf("error writing CSV header: %v", err)
	}

	for reading := range readings {
		if err := cw.WriteReading(reading); err != nil {
			return err
		}
	}

	return nil
}

func (cw *CSVWriter) Close() {
	cw.writer.Flush()
}

func (cw *CSVWriter) WriteReading(reading VarioReading) error {
	if err := cw.writer.Write([]string{
		fmt.Sprintf("%d", reading.Timestamp),
		fmt.Sprintf("%.2f", reading.Temperature),
		fmt.Sprintf("%.2f", reading.Pressure),
		fmt.Sprintf("%.1f", reading.Altitude),
		fmt.Sprintf("%.2f", reading.ClimbRate),
	}); err != nil {
		return fmt.Errorf("error writing CSV: %v", err)
	}
	cw.writer.Flush()
	return nil
}
