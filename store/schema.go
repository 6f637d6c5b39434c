package store

import (
	"database/sql"
	"fmt"
	"strings"

	"smalltsdb/config"
)

// ensureSchema creates the incoming table, its index, and one rollup table
// per ladder entry if they do not already exist. incomingTable is either
// "incoming" or, with the two-database layout, "incoming_db.incoming" —
// CREATE INDEX can't qualify a table name directly, so the index itself
// is created in whichever schema owns incomingTable. Idempotent: opening
// the store twice against the same path is a no-op the second time.
func ensureSchema(db *sql.DB, incomingTable string) error {
	// SQLite's CREATE INDEX takes the schema on the index name and an
	// unqualified table name in the ON clause; the index lands in the
	// same schema as its table.
	indexSchema, bareTable := "", incomingTable
	if dot := strings.IndexByte(incomingTable, '.'); dot >= 0 {
		indexSchema = incomingTable[:dot+1]
		bareTable = incomingTable[dot+1:]
	}
	incomingSchema := fmt.Sprintf(`
	create table if not exists %s (
		path text not null,
		timestamp real not null,
		value real not null
	);
	create index if not exists %sidx_incoming_path_ts on %s(path, timestamp);
	`, incomingTable, indexSchema, bareTable)
	if _, err := db.Exec(incomingSchema); err != nil {
		return fmt.Errorf("store: incoming schema: %w", err)
	}
	for _, p := range config.Periods {
		if err := ensureRollupTable(db, p.Name); err != nil {
			return err
		}
	}
	return nil
}

func ensureRollupTable(db *sql.DB, periodName string) error {
	stmt := fmt.Sprintf(`
	create table if not exists %s (
		path text not null,
		timestamp real not null,
		n real not null,
		min real not null,
		max real not null,
		avg real not null,
		sum real not null,
		p50 real not null,
		p90 real not null,
		p99 real not null,
		primary key (path, timestamp)
	);
	`, periodName)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("store: rollup schema for %s: %w", periodName, err)
	}
	return nil
}
