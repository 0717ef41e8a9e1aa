package storage

import (
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Metadata describes one stored diff.
type Metadata struct {
	PrimaryExe   string
	SecondaryExe string
	Created      string
	Similarity   float64
	Confidence   float64
}

// FunctionMatch is one stored function pair.
type FunctionMatch struct {
	PrimaryAddress    uint64  `json:"primary_address"`
	SecondaryAddress  uint64  `json:"secondary_address"`
	PrimaryName       string  `json:"primary_name,omitempty"`
	SecondaryName     string  `json:"secondary_name,omitempty"`
	Similarity        float64 `json:"similarity"`
	Confidence        float64 `json:"confidence"`
	Step              string  `json:"step"`
	BasicBlockMatches int     `json:"basicblock_matches"`
}

// ReadMetadata returns the stored diff metadata.
func (d *Database) ReadMetadata() (*Metadata, error) {
	var meta *Metadata
	err := sqlitex.Execute(d.conn,
		"SELECT primary_exe, secondary_exe, created, similarity, confidence FROM metadata WHERE id = 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				meta = &Metadata{
					PrimaryExe:   stmt.ColumnText(0),
					SecondaryExe: stmt.ColumnText(1),
					Created:      stmt.ColumnText(2),
					Similarity:   stmt.ColumnFloat(3),
					Confidence:   stmt.ColumnFloat(4),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: reading metadata: %w", ErrStorage, err)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: database holds no diff", ErrStorage)
	}
	return meta, nil
}

// ReadFunctionMatches returns stored function matches ordered by primary
// address. A non-empty filter restricts the result to matches whose function
// names contain it on either side; minConfidence drops everything below the
// threshold.
func (d *Database) ReadFunctionMatches(filter string, minConfidence float64) ([]FunctionMatch, error) {
	query := `SELECT f.primary_address, f.secondary_address, f.primary_name, f.secondary_name,
			f.similarity, f.confidence, f.step,
			(SELECT COUNT(*) FROM basicblock_matches b WHERE b.function_match_id = f.id)
		FROM function_matches f
		WHERE f.confidence >= ?
		ORDER BY f.primary_address`

	var out []FunctionMatch
	err := sqlitex.Execute(d.conn, query, &sqlitex.ExecOptions{
		Args: []interface{}{minConfidence},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m := FunctionMatch{
				PrimaryAddress:    uint64(stmt.ColumnInt64(0)),
				SecondaryAddress:  uint64(stmt.ColumnInt64(1)),
				PrimaryName:       stmt.ColumnText(2),
				SecondaryName:     stmt.ColumnText(3),
				Similarity:        stmt.ColumnFloat(4),
				Confidence:        stmt.ColumnFloat(5),
				Step:              stmt.ColumnText(6),
				BasicBlockMatches: int(stmt.ColumnInt64(7)),
			}
			if filter != "" && !strings.Contains(m.PrimaryName, filter) && !strings.Contains(m.SecondaryName, filter) {
				return nil
			}
			out = append(out, m)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading function matches: %w", ErrStorage, err)
	}
	return out, nil
}
