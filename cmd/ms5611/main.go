package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"varioreceiver"
)

func main() {
	busName := flag.String("bus", "", "I2C bus name, empty for the first available")
	interval := flag.Duration("interval", time.Second, "output interval")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	bus, err := i2creg.Open(*busName)
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	baro, err := varioreceiver.NewMS5611(bus, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer baro.Close()

	// Print CSV header
	fmt.Println("timestamp,temperature,pressure,altitude")

	for {
		time.Sleep(*interval)

		if !baro.DataReady() {
			continue
		}
		baro.Update()

		// Output in CSV format with RFC3339 timestamp
		fmt.Printf("%s,%.2f,%.2f,%.1f\n",
			time.Now().Format(time.RFC3339),
			baro.Temperature(),
			baro.Pressure(),
			baro.Altitude())
	}
}
