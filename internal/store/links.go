package store

import (
	"bytes"
	"fmt"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

// Link is an integrated CreateLink, possibly deleted.
type Link struct {
	CreateLink hash.Hash       `cbor:"1,keyasint" json:"create_link_hash"`
	Base       hash.Hash       `cbor:"2,keyasint" json:"base"`
	Target     hash.Hash       `cbor:"3,keyasint" json:"target"`
	ZomeIndex  uint8           `cbor:"4,keyasint" json:"zome_index"`
	Tag        []byte          `cbor:"5,keyasint,omitempty" json:"tag,omitempty"`
	Author     hash.Hash       `cbor:"6,keyasint" json:"author"`
	Timestamp  types.Timestamp `cbor:"7,keyasint" json:"timestamp"`
	DeletedBy  *hash.Hash      `cbor:"8,keyasint,omitempty" json:"deleted_by,omitempty"`
}

func (t *Txn) indexLink(op *types.Op) error {
	a := op.Action()
	if a == nil {
		return nil
	}
	switch op.Type {
	case types.OpRegisterCreateLink:
		h := op.ActionHash()
		_, err := t.exec(`INSERT OR IGNORE INTO Link
            (create_link_hash, base, target, zome_index, tag, author, timestamp)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			h[:], a.Base[:], a.Target[:], int(a.ZomeIndex), a.Tag, a.Author[:], int64(a.Timestamp))
		if err != nil {
			return fmt.Errorf("index link: %w", err)
		}
		// A delete may have been integrated before the create it removes.
		deletes, err := t.OpsByBasis(*a.Base, true)
		if err != nil {
			return err
		}
		for _, d := range deletes {
			da := d.Op.Action()
			if d.Op.Type == types.OpRegisterDeleteLink && da != nil && da.LinkAddAction != nil && *da.LinkAddAction == h {
				return t.markLinkDeleted(h, d.Op.ActionHash())
			}
		}
	case types.OpRegisterDeleteLink:
		return t.markLinkDeleted(*a.LinkAddAction, op.ActionHash())
	}
	return nil
}

func (t *Txn) markLinkDeleted(createLink, deleteLink hash.Hash) error {
	_, err := t.exec(`UPDATE Link SET deleted_by = ? WHERE create_link_hash = ? AND deleted_by IS NULL`,
		deleteLink[:], createLink[:])
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// GetLinks returns links on base whose tag starts with tagPrefix.
func (t *Txn) GetLinks(base hash.Hash, tagPrefix []byte, includeDeleted bool) ([]Link, error) {
	q := `SELECT create_link_hash, base, target, zome_index, tag, author, timestamp, deleted_by
        FROM Link WHERE base = ?`
	if !includeDeleted {
		q += ` AND deleted_by IS NULL`
	}
	q += ` ORDER BY timestamp, create_link_hash`
	rows, err := t.query(q, base[:])
	if err != nil {
		return nil, fmt.Errorf("get links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var (
			l                                Link
			create, b, target, author, delBy []byte
			zome                             int
			ts                               int64
		)
		if err := rows.Scan(&create, &b, &target, &zome, &l.Tag, &author, &ts, &delBy); err != nil {
			return nil, fmt.Errorf("get links: %w", err)
		}
		if !bytes.HasPrefix(l.Tag, tagPrefix) {
			continue
		}
		for _, f := range []struct {
			dst *hash.Hash
			src []byte
		}{{&l.CreateLink, create}, {&l.Base, b}, {&l.Target, target}, {&l.Author, author}} {
			if *f.dst, err = hash.FromBytes(f.src); err != nil {
				return nil, fmt.Errorf("get links: %w", err)
			}
		}
		if delBy != nil {
			d, err := hash.FromBytes(delBy)
			if err != nil {
				return nil, fmt.Errorf("get links: %w", err)
			}
			l.DeletedBy = &d
		}
		l.ZomeIndex = uint8(zome)
		l.Timestamp = types.Timestamp(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}
