package perf

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/sarchlab/akita/v4/sim"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/moesisim/timing/bus"
)

// DefaultBatchSize is the number of transactions buffered before an insert
// batch is committed.
const DefaultBatchSize = 4096

// SQLiteRecorder is a bus hook that records every completed transaction into
// a SQLite database.
type SQLiteRecorder struct {
	db        *sql.DB
	statement *sql.Stmt

	path      string
	batchSize int
	buffered  []txnRow
	recorded  uint64
	err       error
}

type txnRow struct {
	txn    bus.Transaction
	result bus.Result
}

// NewSQLiteRecorder creates the database file and its table. An empty name
// picks a unique one. The file must not exist. Buffered rows are flushed at
// exit.
func NewSQLiteRecorder(name string) (*SQLiteRecorder, error) {
	if name == "" {
		name = "moesisim_trace_" + xid.New().String()
	}

	r := &SQLiteRecorder{
		path:      name + ".sqlite3",
		batchSize: DefaultBatchSize,
	}

	if _, err := os.Stat(r.path); err == nil {
		return nil, fmt.Errorf("file %s already exists", r.path)
	}

	db, err := sql.Open("sqlite3", r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}

	r.db = db

	if err := r.createTable(); err != nil {
		db.Close()
		return nil, err
	}

	r.statement, err = db.Prepare(`
		INSERT INTO bus_txn VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	atexit.Register(func() { _ = r.Flush() })

	return r, nil
}

// Path is the database file.
func (r *SQLiteRecorder) Path() string {
	return r.path
}

// Recorded is the number of transactions committed so far.
func (r *SQLiteRecorder) Recorded() uint64 {
	return r.recorded
}

// Err returns the first error met while recording.
func (r *SQLiteRecorder) Err() error {
	return r.err
}

// SetBatchSize changes how many rows are buffered per commit.
func (r *SQLiteRecorder) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}

	r.batchSize = n
}

// Func implements sim.Hook.
func (r *SQLiteRecorder) Func(ctx sim.HookCtx) {
	if ctx.Pos != bus.HookPosComplete {
		return
	}

	txn, ok := ctx.Item.(bus.Transaction)
	if !ok {
		return
	}

	result, _ := ctx.Detail.(bus.Result)

	r.buffered = append(r.buffered, txnRow{txn: txn, result: result})
	if len(r.buffered) >= r.batchSize {
		if err := r.Flush(); err != nil && r.err == nil {
			r.err = err
		}
	}
}

// Flush commits the buffered rows in one transaction.
func (r *SQLiteRecorder) Flush() error {
	if len(r.buffered) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin trace batch: %w", err)
	}

	stmt := tx.Stmt(r.statement)
	for _, row := range r.buffered {
		t := row.txn
		_, err := stmt.Exec(
			t.ID,
			t.Kind.String(),
			t.Address,
			t.Requester,
			t.IssueCycle,
			t.GrantCycle,
			t.DoneCycle,
			t.Promoted,
			row.result.Source.String(),
			row.result.Supplier,
			row.result.AnySharer,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace batch: %w", err)
	}

	r.recorded += uint64(len(r.buffered))
	r.buffered = nil

	return nil
}

// Close flushes and closes the database.
func (r *SQLiteRecorder) Close() error {
	if r.db == nil {
		return nil
	}

	err := r.Flush()
	r.statement.Close()

	if cerr := r.db.Close(); err == nil {
		err = cerr
	}

	r.db = nil

	return err
}

func (r *SQLiteRecorder) createTable() error {
	stmts := []string{`
		create table bus_txn
		(
			txn_id      varchar(200) not null,
			kind        varchar(32)  not null,
			address     integer      not null,
			requester   integer      not null,
			issue_cycle integer      not null,
			grant_cycle integer      not null,
			done_cycle  integer      not null,
			promoted    boolean      not null,
			source      varchar(32)  not null,
			supplier    integer      not null,
			any_sharer  boolean      not null
		);
	`, `
		create index bus_txn_address_index
			on bus_txn (address);
	`, `
		create index bus_txn_requester_index
			on bus_txn (requester);
	`}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("failed to create trace table: %w", err)
		}
	}

	return nil
}
