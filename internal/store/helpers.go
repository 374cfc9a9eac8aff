package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// jsonPath converts a top-level field name into an SQLite JSON path.
func jsonPath(field string) string {
	return `$."` + field + `"`
}

// scanRecords drains rows into records and closes them.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var r Record
		var data []byte
		if err := rows.Scan(&r.ID, &r.Type, &data, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record failed: %w", err)
		}
		r.Data = json.RawMessage(data)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record iteration failed: %w", err)
	}
	return records, nil
}

// scanRecordRow scans a Record from a single sql.Row.
func scanRecordRow(row *sql.Row) (Record, error) {
	var r Record
	var data []byte
	if err := row.Scan(&r.ID, &r.Type, &data, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.Data = json.RawMessage(data)
	return r, nil
}
