package main

import (
	"flag"
	"log"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"varioreceiver"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "vario.db", "sqlite database path")
	busName := flag.String("bus", "", "I2C bus name, empty for the first available")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	var baro *varioreceiver.MS5611
	bus, err := i2creg.Open(*busName)
	if err != nil {
		log.Printf("Failed to open I2C bus: %v", err)
	} else {
		defer bus.Close()
		baro, err = varioreceiver.NewMS5611(bus, nil)
		if err != nil {
			log.Printf("Failed to initialize MS5611: %v", err)
		} else {
			defer baro.Close()
		}
	}

	recorder, err := varioreceiver.NewDataRecorder(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open recorder database: %v", err)
	}
	defer recorder.Close()

	server := varioreceiver.NewServer(baro, recorder, *addr)
	server.Start()
}
