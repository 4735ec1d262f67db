package main

import (
	"log"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/app"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/config"
)

func main() {
	realMain()
}

func realMain() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalln("failed to load config: ", err)
	}

	app.Run(cfg)
}
