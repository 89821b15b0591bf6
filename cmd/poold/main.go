package main

import (
	"log"

	"tidepool/services/poold"
)

func main() {
	if err := poold.Main(); err != nil {
		log.Fatal(err)
	}
}
