package varioreceiver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
)

// VarioReading is one calibrated sample from the local MS5611.
// Temperature is °C, Pressure hPa, Altitude m, ClimbRate m/s, Timestamp
// unix microseconds.
type VarioReading struct {
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Altitude    float64 `json:"altitude"`
	ClimbRate   float64 `json:"climb_rate"`
	Timestamp   int64   `json:"timestamp"`
}

// RemoteReading is one telemetry sentence from a remote variometer on the
// serial port. Fields the sentence marked invalid are left zero. Battery is
// a percentage when BatteryIsPercent is set, volts otherwise.
type RemoteReading struct {
	Type             string  `json:"type"`
	Pressure         float64 `json:"pressure"`
	Altitude         float64 `json:"altitude"`
	ClimbRate        float64 `json:"climb_rate"`
	Temperature      float64 `json:"temperature"`
	Battery          float64 `json:"battery"`
	BatteryIsPercent bool    `json:"battery_is_percent"`
	Timestamp        int64   `json:"timestamp"`
}

type StatusMessage struct {
	Type   string `json:"type"` // "status"
	Device string `json:"device"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	DeviceTypeSerial    = "serial"
	DeviceTypeBarometer = "barometer"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Server ties the local barometer, the remote telemetry input, the recorder
// and the WebSocket hub together.
type Server struct {
	wsServer   *WebSocketServer
	recorder   *DataRecorder
	baro       *MS5611
	readings   chan VarioReading
	remote     chan RemoteReading
	statusChan chan StatusMessage
	serialPort serial.Port
	serialMux  sync.Mutex

	// PollInterval is how often the barometer is checked for a fresh pair.
	// The driver produces one every two tick periods.
	PollInterval time.Duration
}

func NewServer(baro *MS5611, recorder *DataRecorder, addr string) *Server {
	s := &Server{
		recorder:     recorder,
		baro:         baro,
		readings:     make(chan VarioReading),
		remote:       make(chan RemoteReading),
		statusChan:   make(chan StatusMessage),
		PollInterval: 25 * time.Millisecond,
	}
	ws := NewWebSocketServer(addr)
	ws.onConnect = func() []interface{} {
		return []interface{}{s.getCurrentSerialStatus()}
	}
	s.wsServer = ws
	return s
}

func (s *Server) Start() {
	s.wsServer.Start()

	http.HandleFunc("/serial_ports", s.handleListSerialPorts)
	http.HandleFunc("/connect", s.handleConnectSerialPort)
	http.HandleFunc("/sealevel", s.handleSeaLevel)
	http.HandleFunc("/history", s.handleHistory)

	go s.broadcastMessages()

	if s.baro != nil {
		go s.monitorBarometer()
	}

	// Block main goroutine
	select {}
}

func (s *Server) broadcastMessages() {
	for {
		select {
		case reading := <-s.readings:
			s.wsServer.Broadcast(reading)
		case reading := <-s.remote:
			s.wsServer.Broadcast(reading)
		case status := <-s.statusChan:
			s.wsServer.Broadcast(status)
		}
	}
}

// monitorBarometer consumes raw pairs as the sampler completes them and
// publishes calibrated readings.
func (s *Server) monitorBarometer() {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.baro.DataReady() {
			continue
		}
		s.baro.Update()

		reading := VarioReading{
			Type:        "MS5611",
			Temperature: s.baro.Temperature(),
			Pressure:    s.baro.Pressure(),
			Altitude:    s.baro.Altitude(),
			Timestamp:   time.Now().UnixMicro(),
		}
		if s.recorder != nil {
			reading.ClimbRate = s.recorder.AddReading(reading)
		}

		s.readings <- reading
	}
}

func (s *Server) handleListSerialPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := serial.GetPortsList()
	if err != nil {
		http.Error(w, "Failed to list serial ports", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(ports)
}

func (s *Server) handleConnectSerialPort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PortName string `json:"port_name"`
		BaudRate int    `json:"baud_rate"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.serialMux.Lock()
	defer s.serialMux.Unlock()

	// Close existing port if connected
	if s.serialPort != nil {
		s.serialPort.Close()
		s.serialPort = nil
	}

	mode := &serial.Mode{BaudRate: req.BaudRate}
	port, err := serial.Open(req.PortName, mode)
	if err != nil {
		log.Printf("Failed to open serial port %s: %v", req.PortName, err)
		s.statusChan <- StatusMessage{Type: "status", Device: DeviceTypeSerial, Status: "Serial Error", Error: err.Error()}
		http.Error(w, "Failed to open serial port", http.StatusInternalServerError)
		return
	}

	s.serialPort = port
	serialReader := NewSerialReader(port, s.statusChan)
	go serialReader.StartReading(s.remote)

	log.Printf("Connected to %s with baud rate %d", req.PortName, req.BaudRate)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getCurrentSerialStatus() StatusMessage {
	s.serialMux.Lock()
	defer s.serialMux.Unlock()

	if s.serialPort == nil {
		return StatusMessage{
			Type:   "status",
			Device: DeviceTypeSerial,
			Status: StatusDisconnected,
		}
	}
	return StatusMessage{
		Type:   "status",
		Device: DeviceTypeSerial,
		Status: StatusConnected,
	}
}

// handleSeaLevel reads or sets the QNH reference used for pressure altitude.
func (s *Server) handleSeaLevel(w http.ResponseWriter, r *http.Request) {
	if s.baro == nil {
		http.Error(w, "No barometer attached", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(map[string]float64{
			"value": s.baro.SeaLevelPressure(),
		})

	case http.MethodPost:
		var req struct {
			Value float64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Value <= 0 {
			http.Error(w, "Sea-level pressure must be positive", http.StatusBadRequest)
			return
		}
		s.baro.SetSeaLevelPressure(req.Value)
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHistory serves recorded readings between start and end (unix micros).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "No recorder attached", http.StatusServiceUnavailable)
		return
	}

	start, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid start parameter", http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid end parameter", http.StatusBadRequest)
		return
	}

	points, err := s.recorder.GetHistoricalData(start, end)
	if err != nil {
		log.Printf("History query failed: %v", err)
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(points)
}
