package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

var seedWords = []string{
	"amber", "birch", "cobalt", "delta", "ember", "fjord", "granite", "harbor",
	"indigo", "juniper", "kestrel", "lumen", "meadow", "nectar", "onyx", "prairie",
	"quartz", "river", "sable", "tundra", "umber", "violet", "willow", "yarrow",
}

// Seed appends n rows of generated values to a table. Text cells get one or
// two words, number cells a value in [0, 1000) with two decimals. rng makes
// runs reproducible.
func (s *Store) Seed(ctx context.Context, tableID string, n int, rng *rand.Rand) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		info, err := s.describe(ctx, tx, tableID)
		if err != nil {
			return err
		}
		insertRow, err := tx.PrepareContext(ctx, s.q(`INSERT INTO grid_records (record_id, table_id, ordinal, client_id)
			VALUES (?, ?, ?, NULL)`))
		if err != nil {
			return fmt.Errorf("preparing row insert: %w", err)
		}
		defer insertRow.Close()
		insertCell, err := tx.PrepareContext(ctx, s.q(`INSERT INTO grid_cells (cell_id, record_id, column_id, value_kind, text_value, number_value)
			VALUES (?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("preparing cell insert: %w", err)
		}
		defer insertCell.Close()

		for i := range n {
			rowID := newID()
			if _, err := insertRow.ExecContext(ctx, rowID, tableID, info.RowCount+i); err != nil {
				return fmt.Errorf("seeding row %d: %w", i, err)
			}
			for _, col := range info.Columns {
				kind, text, num := encodeValue(seedValue(col.Type, rng))
				if _, err := insertCell.ExecContext(ctx, newID(), rowID, col.ID, kind, text, num); err != nil {
					return fmt.Errorf("seeding cell %d/%s: %w", i, col.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func seedValue(t types.ColumnType, rng *rand.Rand) types.CellValue {
	if t == types.ColumnNumber {
		return types.NumberValue(float64(rng.IntN(100000)) / 100)
	}
	words := []string{seedWords[rng.IntN(len(seedWords))]}
	if rng.IntN(2) == 0 {
		words = append(words, seedWords[rng.IntN(len(seedWords))])
	}
	return types.TextValue(strings.Join(words, " "))
}
