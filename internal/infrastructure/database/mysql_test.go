package database

import (
	"testing"

	"creditsystem/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	dsn := DSN(&config.MySQLConfig{User: "root", Password: "pw", Host: "db", Port: 3306, Database: "credits"})
	assert.Equal(t, "root:pw@tcp(db:3306)/credits?charset=utf8mb4&parseTime=True&loc=UTC", dsn)
}

func TestModelsCoverAllTables(t *testing.T) {
	assert.Len(t, Models(), 6)
}
