// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "dspetl/internal/storage/mssql"
	_ "dspetl/internal/storage/postgres"
	_ "dspetl/internal/storage/sqlite"
)
