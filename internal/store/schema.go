package store

import (
	"context"
	"fmt"
)

const chainSchema = `
CREATE TABLE IF NOT EXISTS Action (
    hash          BLOB PRIMARY KEY,
    type          INTEGER NOT NULL,
    author        BLOB NOT NULL,
    seq           INTEGER NOT NULL,
    prev_hash     BLOB,
    entry_hash    BLOB,
    entry_kind    INTEGER,
    private_entry INTEGER NOT NULL DEFAULT 0,
    timestamp     INTEGER NOT NULL,
    blob          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS Action_author_seq ON Action(author, seq);
CREATE INDEX IF NOT EXISTS Action_entry ON Action(entry_hash);

CREATE TABLE IF NOT EXISTS Entry (
    hash    BLOB PRIMARY KEY,
    private INTEGER NOT NULL DEFAULT 0,
    blob    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS DhtOp (
    hash               BLOB PRIMARY KEY,
    type               INTEGER NOT NULL,
    action_hash        BLOB NOT NULL,
    basis_hash         BLOB NOT NULL,
    storage_center_loc INTEGER NOT NULL,
    author             BLOB NOT NULL,
    authored_timestamp INTEGER NOT NULL,
    size               INTEGER NOT NULL,
    blob               BLOB NOT NULL,
    is_authored        INTEGER NOT NULL DEFAULT 0,
    validation_stage   INTEGER NOT NULL DEFAULT 0,
    validation_status  INTEGER,
    when_received      INTEGER NOT NULL,
    when_integrated    INTEGER,
    requires_receipt   INTEGER NOT NULL DEFAULT 0,
    attempts           INTEGER NOT NULL DEFAULT 0,
    receipt_count      INTEGER NOT NULL DEFAULT 0,
    last_publish_time  INTEGER,
    publish_attempts   INTEGER NOT NULL DEFAULT 0,
    withhold_publish   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS DhtOp_basis ON DhtOp(basis_hash);
CREATE INDEX IF NOT EXISTS DhtOp_stage ON DhtOp(validation_stage, when_integrated);
CREATE INDEX IF NOT EXISTS DhtOp_author ON DhtOp(author);
CREATE INDEX IF NOT EXISTS DhtOp_received ON DhtOp(when_received);
CREATE INDEX IF NOT EXISTS DhtOp_action ON DhtOp(action_hash);
CREATE INDEX IF NOT EXISTS DhtOp_region ON DhtOp(storage_center_loc, authored_timestamp);

CREATE TABLE IF NOT EXISTS Link (
    create_link_hash BLOB PRIMARY KEY,
    base             BLOB NOT NULL,
    target           BLOB NOT NULL,
    zome_index       INTEGER NOT NULL,
    tag              BLOB,
    author           BLOB NOT NULL,
    timestamp        INTEGER NOT NULL,
    deleted_by       BLOB
);
CREATE INDEX IF NOT EXISTS Link_base ON Link(base);

CREATE TABLE IF NOT EXISTS Receipt (
    hash    BLOB PRIMARY KEY,
    op_hash BLOB NOT NULL,
    blob    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS Receipt_op ON Receipt(op_hash);

CREATE TABLE IF NOT EXISTS OpDependency (
    op_hash  BLOB NOT NULL,
    dep_hash BLOB NOT NULL,
    kind     INTEGER NOT NULL,
    PRIMARY KEY (op_hash, dep_hash, kind)
);
CREATE INDEX IF NOT EXISTS OpDependency_dep ON OpDependency(dep_hash);

CREATE TABLE IF NOT EXISTS Region (
    loc_bucket  INTEGER NOT NULL,
    time_bucket INTEGER NOT NULL,
    xor_hash    BLOB NOT NULL,
    op_count    INTEGER NOT NULL,
    byte_count  INTEGER NOT NULL,
    PRIMARY KEY (loc_bucket, time_bucket)
);
`

const conductorSchema = `
CREATE TABLE IF NOT EXISTS InstalledApp (
    id      TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 0,
    blob    BLOB NOT NULL
);
`

const wasmSchema = `
CREATE TABLE IF NOT EXISTS DnaDef (
    hash BLOB PRIMARY KEY,
    blob BLOB NOT NULL
);
`

const peerMetaSchema = `
CREATE TABLE IF NOT EXISTS PeerMeta (
    agent   BLOB NOT NULL,
    key     TEXT NOT NULL,
    value   BLOB NOT NULL,
    expires INTEGER,
    PRIMARY KEY (agent, key)
);
CREATE INDEX IF NOT EXISTS PeerMeta_expires ON PeerMeta(expires);
`

func schemaFor(kind Kind) (string, error) {
	switch kind {
	case KindAuthored, KindDht, KindCache:
		return chainSchema, nil
	case KindConductor:
		return conductorSchema, nil
	case KindWasm:
		return wasmSchema, nil
	case KindPeerMetaStore:
		return peerMetaSchema, nil
	}
	return "", fmt.Errorf("unknown database kind %q", kind)
}

func (d *DB) migrate(ctx context.Context) error {
	schema, err := schemaFor(d.kind)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, schema)
	return err
}
