package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

// AppRow is an installed app as persisted in the conductor database.
type AppRow struct {
	ID      string
	Enabled bool
	Blob    []byte
}

// PutApp inserts or replaces an installed app.
func (t *Txn) PutApp(id string, blob []byte, enabled bool) error {
	_, err := t.exec(`INSERT OR REPLACE INTO InstalledApp (id, enabled, blob) VALUES (?, ?, ?)`,
		id, boolInt(enabled), blob)
	if err != nil {
		return fmt.Errorf("put app: %w", err)
	}
	return nil
}

// SetAppEnabled flips an app's enabled flag.
func (t *Txn) SetAppEnabled(id string, enabled bool) error {
	res, err := t.exec(`UPDATE InstalledApp SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set app enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetApp returns one installed app.
func (t *Txn) GetApp(id string) (*AppRow, error) {
	row := AppRow{ID: id}
	var enabled int
	err := t.queryRow(`SELECT enabled, blob FROM InstalledApp WHERE id = ?`, id).Scan(&enabled, &row.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	row.Enabled = enabled != 0
	return &row, nil
}

// ListApps returns every installed app ordered by id.
func (t *Txn) ListApps() ([]AppRow, error) {
	rows, err := t.query(`SELECT id, enabled, blob FROM InstalledApp ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()
	var out []AppRow
	for rows.Next() {
		var (
			r       AppRow
			enabled int
		)
		if err := rows.Scan(&r.ID, &enabled, &r.Blob); err != nil {
			return nil, fmt.Errorf("list apps: %w", err)
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutDnaDef registers a DNA definition and returns its hash.
func (t *Txn) PutDnaDef(def *types.DnaDef) (hash.Hash, error) {
	h := def.Hash()
	if _, err := t.exec(`INSERT OR IGNORE INTO DnaDef (hash, blob) VALUES (?, ?)`, h[:], codec.MustMarshal(def)); err != nil {
		return hash.Zero, fmt.Errorf("put dna def: %w", err)
	}
	return h, nil
}

// GetDnaDef returns a registered DNA definition.
func (t *Txn) GetDnaDef(h hash.Hash) (*types.DnaDef, error) {
	var blob []byte
	err := t.queryRow(`SELECT blob FROM DnaDef WHERE hash = ?`, h[:]).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dna def: %w", err)
	}
	var def types.DnaDef
	if err := codec.Unmarshal(blob, &def); err != nil {
		return nil, fmt.Errorf("decode dna def: %w", err)
	}
	return &def, nil
}

// ListDnaDefs returns every registered DNA definition.
func (t *Txn) ListDnaDefs() ([]types.DnaDef, error) {
	rows, err := t.query(`SELECT blob FROM DnaDef ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("list dna defs: %w", err)
	}
	defer rows.Close()
	var out []types.DnaDef
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("list dna defs: %w", err)
		}
		var def types.DnaDef
		if err := codec.Unmarshal(blob, &def); err != nil {
			return nil, fmt.Errorf("decode dna def: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// PutPeerMeta stores a value about a remote agent. A nil expires never
// expires.
func (t *Txn) PutPeerMeta(agent hash.Hash, key string, value []byte, expires *types.Timestamp) error {
	_, err := t.exec(`INSERT OR REPLACE INTO PeerMeta (agent, key, value, expires) VALUES (?, ?, ?, ?)`,
		agent[:], key, value, nullableTimestamp(expires))
	if err != nil {
		return fmt.Errorf("put peer meta: %w", err)
	}
	return nil
}

// GetPeerMeta returns an unexpired value, or ErrNotFound.
func (t *Txn) GetPeerMeta(agent hash.Hash, key string, now types.Timestamp) ([]byte, error) {
	var value []byte
	err := t.queryRow(`SELECT value FROM PeerMeta WHERE agent = ? AND key = ?
        AND (expires IS NULL OR expires > ?)`, agent[:], key, int64(now)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer meta: %w", err)
	}
	return value, nil
}

// PrunePeerMeta deletes expired values.
func (t *Txn) PrunePeerMeta(now types.Timestamp) (int64, error) {
	res, err := t.exec(`DELETE FROM PeerMeta WHERE expires IS NOT NULL AND expires <= ?`, int64(now))
	if err != nil {
		return 0, fmt.Errorf("prune peer meta: %w", err)
	}
	return res.RowsAffected()
}
