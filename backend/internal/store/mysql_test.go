package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"syncServer/backend/internal/crdt"
)

// Exercises the real store against MySQL. Set SYNC_TEST_MYSQL_DSN to run,
// e.g. "collab:collab@tcp(127.0.0.1:3306)/collab_test?parseTime=true".
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("SYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: SYNC_TEST_MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMySQLAppendReadCompact(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := NewMySQLStore(db, 50)
	require.NoError(t, s.Migrate(ctx))

	docID := fmt.Sprintf("doc-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM doc_updates WHERE docname = ?`, docID)
	})

	writer := crdt.NewDoc()
	var payloads [][]byte
	for i := 0; i < 50; i++ {
		ev := writer.Append("items", fmt.Sprintf("v%d", i))
		payloads = append(payloads, ev.Payload)
		require.NoError(t, s.Append(ctx, docID, ev.Payload))
	}

	entries, err := s.Read(ctx, docID)
	require.NoError(t, err)
	require.Len(t, entries, 1, "read at threshold compacts to one entry")

	fromEntries := crdt.NewDoc()
	for _, p := range payloads {
		_, err := fromEntries.ApplyUpdate(p, nil)
		require.NoError(t, err)
	}
	fromMerged := crdt.NewDoc()
	_, err = fromMerged.ApplyUpdate(entries[0].Payload, nil)
	require.NoError(t, err)
	require.Equal(t, fromEntries.List("items"), fromMerged.List("items"))

	// The compacted row is what subsequent reads see.
	entries, err = s.Read(ctx, docID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
