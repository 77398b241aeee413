package offsync

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("offsync_state_it")
	defer postgresIntegrationDropTable(t, dsn, tableName)

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = tableName
	defer store.Close()

	data, err := store.Load()
	if err != nil {
		t.Fatalf("load from fresh table: %v", err)
	}
	if data != nil {
		t.Fatalf("fresh table should load nil, got %q", data)
	}

	blob := []byte(`{"items":[{"id":"op_pg_1"}]}`)
	if err := store.Save(blob); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	updated := []byte(`{"items":[]}`)
	if err := store.Save(updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(got, updated) {
		t.Fatalf("upsert should replace the single row, got %q", got)
	}
}

func TestPostgresIntegrationStoreClearAndReopen(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("offsync_state_it")
	defer postgresIntegrationDropTable(t, dsn, tableName)

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = tableName

	blob := []byte(`{"items":[{"id":"op_pg_2"}]}`)
	if err := store.Save(blob); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.tableName = tableName
	defer reopened.Close()

	got, err := reopened.Load()
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("data lost across reopen: %q", got)
	}

	if err := reopened.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = reopened.Load()
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("cleared store should load nil, got %q", got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("OFFSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set OFFSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop table failed: %v", err)
	}
}
