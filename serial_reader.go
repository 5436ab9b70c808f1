package varioreceiver

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Remote variometers (LK8000 family firmware) emit one telemetry sentence
// per sample:
//
//	$LK8EX1,rawPressure,altitude,vario,temperature,battery,*CK
//
// rawPressure is in Pa (999999 when not sent, altitude is used instead),
// altitude in m (99999 when pressure is sent), vario in cm/s (9999 invalid),
// temperature in °C (99 invalid), battery either volts or percent+1000 (999
// invalid). CK is the XOR of every byte between $ and *.
const (
	lk8ex1Prefix = "$LK8EX1,"

	lk8ex1NoPressure = 999999
	lk8ex1NoAltitude = 99999
	lk8ex1NoVario    = 9999
	lk8ex1NoTemp     = 99
	lk8ex1NoBattery  = 999
)

var errNotTelemetry = errors.New("not an LK8EX1 sentence")

type SerialReader struct {
	port              serial.Port
	status            chan<- StatusMessage
	consecutiveErrors int
}

func NewSerialReader(port serial.Port, status chan<- StatusMessage) *SerialReader {
	return &SerialReader{
		port:   port,
		status: status,
	}
}

// StartReading scans sentences from the serial port and sends parsed
// readings to the provided channel until the port fails.
func (sr *SerialReader) StartReading(readings chan<- RemoteReading) error {
	const maxConsecutiveErrors = 10

	sr.status <- StatusMessage{Type: "status", Device: DeviceTypeSerial, Status: StatusConnected}

	scanner := bufio.NewScanner(sr.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reading, err := parseLK8EX1(line)
		if errors.Is(err, errNotTelemetry) {
			// Other NMEA traffic shares the line, skip it quietly.
			continue
		}
		if err != nil {
			log.Printf("Bad telemetry sentence %q: %v", line, err)
			sr.consecutiveErrors++
			if sr.consecutiveErrors >= maxConsecutiveErrors {
				sr.status <- StatusMessage{Type: "status", Device: DeviceTypeSerial, Status: StatusDisconnected, Error: "too many bad sentences"}
				return fmt.Errorf("too many consecutive bad sentences (%d)", sr.consecutiveErrors)
			}
			continue
		}
		sr.consecutiveErrors = 0

		reading.Timestamp = time.Now().UnixMicro()
		readings <- reading
	}

	err := scanner.Err()
	msg := StatusMessage{Type: "status", Device: DeviceTypeSerial, Status: StatusDisconnected}
	if err != nil {
		msg.Error = err.Error()
		log.Printf("Serial read error: %v", err)
	}
	sr.status <- msg
	return err
}

// parseLK8EX1 validates the checksum and decodes one sentence. Sentinel
// field values are mapped to zero with the rest of the reading kept.
func parseLK8EX1(line string) (RemoteReading, error) {
	var reading RemoteReading

	if !strings.HasPrefix(line, lk8ex1Prefix) {
		return reading, errNotTelemetry
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 {
		return reading, errors.New("missing checksum delimiter")
	}

	body := line[1:star]
	want := strings.TrimSpace(line[star+1:])
	if got := nmeaChecksum(body); got != strings.ToUpper(want) {
		return reading, fmt.Errorf("checksum mismatch: calculated %s, received %s", got, want)
	}

	fields := strings.Split(strings.TrimSuffix(body, ","), ",")
	// fields[0] is the sentence name, then the five payload fields.
	if len(fields) != 6 {
		return reading, fmt.Errorf("expected 5 payload fields, got %d", len(fields)-1)
	}

	vals := make([]float64, 5)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return reading, fmt.Errorf("field %d: %v", i+1, err)
		}
		vals[i] = v
	}

	reading.Type = "LK8EX1"
	if vals[0] != lk8ex1NoPressure {
		reading.Pressure = vals[0] / 100 // Pa to hPa
	}
	if vals[1] != lk8ex1NoAltitude {
		reading.Altitude = vals[1]
	}
	if vals[2] != lk8ex1NoVario {
		reading.ClimbRate = vals[2] / 100 // cm/s to m/s
	}
	if vals[3] != lk8ex1NoTemp {
		reading.Temperature = vals[3]
	}
	if vals[4] != lk8ex1NoBattery {
		if vals[4] >= 1000 {
			reading.Battery = vals[4] - 1000
			reading.BatteryIsPercent = true
		} else {
			reading.Battery = vals[4]
		}
	}

	return reading, nil
}

// nmeaChecksum XORs every byte of body and formats it the NMEA way.
func nmeaChecksum(body string) string {
	sum := byte(0)
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}
