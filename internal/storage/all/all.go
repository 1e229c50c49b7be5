// Package all installs every built-in storage backend into a registry:
//
//	reg := storage.NewRegistry()
//	all.Register(reg)
//	repo, err := reg.New(ctx, storage.FromConfig(def.Storage))
//
// A binary that needs only some backends registers those packages directly
// instead.
package all

import (
	"dataflow/internal/storage"
	"dataflow/internal/storage/mssql"
	"dataflow/internal/storage/mysql"
	"dataflow/internal/storage/postgres"
	"dataflow/internal/storage/sqlite"
)

// Register installs the sqlite, postgres, mssql and mysql backends.
func Register(reg *storage.Registry) {
	sqlite.Register(reg)
	postgres.Register(reg)
	mssql.Register(reg)
	mysql.Register(reg)
}
