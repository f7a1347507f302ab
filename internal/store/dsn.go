package store

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the connection settings of a MySQL store.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// DSN builds the Data Source Name using the official MySQL driver config
// builder. Times are parsed into time.Time in UTC.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	return cfg.FormatDSN()
}

// MemoryDSN returns a DSN for a named in-memory SQLite database shared by
// every connection of one process. Distinct names give distinct databases.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}
