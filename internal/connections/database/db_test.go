package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "orders", Password: "s3cr:t", Database: "orders", MaxConns: 4}
	assert.Equal(t, "postgres://orders:s3cr%3At@db:5432/orders?sslmode=disable", cfg.DSN())

	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "db", pcfg.ConnConfig.Host)
	assert.Equal(t, "s3cr:t", pcfg.ConnConfig.Password)
	assert.Equal(t, "orders", pcfg.ConnConfig.Database)
}
