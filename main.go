// @title Connector Hub API
// @version 1.0
// @description OAuth 2.0 connector credentials for organizations, users and projects.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"log"

	_ "connector-hub/docs"
	"connector-hub/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
