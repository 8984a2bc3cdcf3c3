package models

import (
	"log"

	"github.com/talosprimes/platform_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&EventLog{},
		&WorkflowLink{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
