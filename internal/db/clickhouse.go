package db

// Registers the "clickhouse" database/sql driver used by OpenClickHouse.
import _ "github.com/ClickHouse/clickhouse-go/v2"
