package ledger

import (
	"context"
	"fmt"

	"github.com/username/stockfolio/src/models"
)

// ActivePositionsByUser returns every open position a user holds, ordered by
// symbol then broker for stable presentation.
func (r *Repository) ActivePositionsByUser(ctx context.Context, userID int64) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = ? AND active = TRUE
		ORDER BY symbol ASC, broker ASC`
	return r.queryPositions(ctx, query, userID)
}

// PositionsByUser returns all of a user's position rows, open and closed.
// Closed rows still carry their realized figures.
func (r *Repository) PositionsByUser(ctx context.Context, userID int64) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = ?
		ORDER BY symbol ASC, broker ASC`
	return r.queryPositions(ctx, query, userID)
}

// DistinctOverseasCurrencies lists the foreign currencies of all open
// overseas positions, across every user.
func (r *Repository) DistinctOverseasCurrencies(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT currency FROM positions
		WHERE active = TRUE AND market_type = ?
		ORDER BY currency ASC`, string(models.MarketOverseas))
	if err != nil {
		return nil, fmt.Errorf("%w: listing overseas currencies: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("%w: scanning currency row: %v", models.ErrPersistence, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating currency rows: %v", models.ErrPersistence, err)
	}
	return out, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]models.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying positions: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning position row: %v", models.ErrPersistence, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating position rows: %v", models.ErrPersistence, err)
	}
	return out, nil
}
