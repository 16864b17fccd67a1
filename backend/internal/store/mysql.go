package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"syncServer/backend/internal/crdt"
)

const DefaultCompactAt = 50

type MySQLStore struct {
	db        *sql.DB
	compactAt int
}

func NewMySQLStore(db *sql.DB, compactAt int) *MySQLStore {
	if compactAt <= 0 {
		compactAt = DefaultCompactAt
	}
	return &MySQLStore{db: db, compactAt: compactAt}
}

func (s *MySQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS doc_updates (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			docname VARCHAR(255) NOT NULL,
			payload LONGBLOB NOT NULL,
			PRIMARY KEY (id),
			INDEX idx_docname (docname)
		)`,
	)
	return errors.Wrap(err, "migrating doc_updates")
}

func (s *MySQLStore) Append(ctx context.Context, docID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doc_updates (docname, payload) VALUES (?, ?)`,
		docID,
		payload,
	)
	return errors.Wrap(err, "appending update")
}

// Read returns the log in sequence order, compacting first when it has
// reached the threshold. The transaction is serializable and the rows are
// read FOR UPDATE, so an entry appended concurrently is never deleted by a
// compaction that did not observe it.
func (s *MySQLStore) Read(ctx context.Context, docID string) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, "beginning read transaction")
	}
	defer tx.Rollback()

	entries, err := readEntries(ctx, tx, docID)
	if err != nil {
		return nil, err
	}

	if len(entries) < s.compactAt {
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "committing read")
		}
		return entries, nil
	}

	scratch := crdt.NewDoc()
	for _, e := range entries {
		if _, err := scratch.ApplyUpdate(e.Payload, nil); err != nil {
			return nil, errors.Wrapf(err, "merging entry %d", e.ID)
		}
	}
	merged := scratch.EncodeFullState()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO doc_updates (docname, payload) VALUES (?, ?)`,
		docID,
		merged,
	)
	if err != nil {
		return nil, errors.Wrap(err, "inserting merged entry")
	}
	mergedID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "merged entry id")
	}

	args := make([]any, 0, len(entries)+1)
	args = append(args, docID)
	placeholders := make([]string, len(entries))
	for i, e := range entries {
		placeholders[i] = "?"
		args = append(args, e.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM doc_updates WHERE docname = ? AND id IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	); err != nil {
		return nil, errors.Wrap(err, "deleting compacted entries")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing compaction")
	}
	return []Entry{{ID: mergedID, DocID: docID, Payload: merged}}, nil
}

func readEntries(ctx context.Context, tx *sql.Tx, docID string) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM doc_updates WHERE docname = ? ORDER BY id FOR UPDATE`,
		docID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "reading updates")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{DocID: docID}
		if err := rows.Scan(&e.ID, &e.Payload); err != nil {
			return nil, errors.Wrap(err, "scanning update row")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "reading updates")
}
