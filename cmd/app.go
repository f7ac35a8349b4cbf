package main

import (
	"log"

	"github.com/alpinesboltltd/ticketflow/internal/app"
	"github.com/alpinesboltltd/ticketflow/internal/config"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func main() {
	godotenv.Load(".env")
	var cfg config.Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		log.Fatal(err)
	}
	app.Run(&cfg)
}
