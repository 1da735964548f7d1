package idspace

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// ServerBox is the box id of rows minted by the server itself.
const ServerBox int64 = 0

// localBits is the width of the per-box local id. The composed id is
// (box_id << localBits) | local_id, so ids minted by different boxes can
// never collide.
const localBits = 48

const localMask = int64(1)<<localBits - 1

// Querier is the subset of sql.DB/sql.Tx that minting needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Compose builds a globally unique id from a box id and a local id.
func Compose(boxID, localID int64) string {
	return strconv.FormatInt(boxID<<localBits|localID, 10)
}

// Split returns the box id and local id encoded in a composed id.
func Split(id string) (boxID, localID int64, err error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return n >> localBits, n & localMask, nil
}

// Mint allocates the next local id for (table, box) and returns the composed
// id. The counter row lives in the caller's transaction, so a rolled-back
// mint does not burn an id. Single writer per (table, box) is assumed; on
// the server that writer is the sync apply path or the server itself.
func Mint(ctx context.Context, q Querier, table string, boxID int64) (string, int64, error) {
	_, err := q.ExecContext(ctx, `INSERT INTO local_id_counter(table_name,box_id,next_local_id) VALUES (?,?,1)
ON CONFLICT(table_name,box_id) DO UPDATE SET next_local_id=next_local_id+1`, table, boxID)
	if err != nil {
		return "", 0, fmt.Errorf("mint %s/%d: %w", table, boxID, err)
	}
	var local int64
	if err := q.QueryRowContext(ctx, `SELECT next_local_id FROM local_id_counter WHERE table_name=? AND box_id=?`, table, boxID).Scan(&local); err != nil {
		return "", 0, fmt.Errorf("mint %s/%d: %w", table, boxID, err)
	}
	return Compose(boxID, local), local, nil
}

// MintFor parses a box id string and mints in that box's space.
func MintFor(ctx context.Context, q Querier, table, boxID string) (string, int64, error) {
	b, err := strconv.ParseInt(boxID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid box id %q: %w", boxID, err)
	}
	return Mint(ctx, q, table, b)
}
