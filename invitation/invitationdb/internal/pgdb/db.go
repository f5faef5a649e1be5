package pgdb

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const (
	// DefaultHost is the default host that serves the backing database.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the default port for the host that serves the backing
	// database.
	DefaultPort = "5432"

	// DefaultDBName is the default name for the backing database.
	DefaultDBName = "groupinvite"

	// DefaultRoleName is the default name for the role used to access the
	// database.
	DefaultRoleName = "groupinvite"

	// DefaultTableName is the default name of the key-value table.
	DefaultTableName = "kv"

	// DefaultMaxRetries is the default number of times a serializable
	// transaction is attempted before giving up.
	DefaultMaxRetries = 10
)

const (
	// currentDBVersion indicates the current database version.
	currentDBVersion = 1
)

// databaseInfo houses information about the state of the database such as its
// version and the time it was created.
type databaseInfo struct {
	version uint32
	created time.Time
	updated time.Time
}

// DB is a key-value store backed by a single postgres table. All transactions
// run with SERIALIZABLE isolation.
type DB struct {
	tableName  string
	maxRetries int

	// initMtx protect concurrent access during the database initialization and
	// also protects dbInfo.
	initMtx sync.Mutex
	dbInfo  *databaseInfo

	// db houses the handle to the underlying Postgres database.
	db *pgxpool.Pool
}

func sqlTxWithOptions(ctx context.Context, conn *pgx.Conn, txOptions pgx.TxOptions, f func(tx pgx.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, txOptions)
	if err != nil {
		str := fmt.Sprintf("unable to start transaction: %v", err)
		return contextError(ErrBeginTx, str, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
		if err != nil {
			str := fmt.Sprintf("unable to commit transaction: %v", err)
			err = contextError(ErrCommitTx, str, err)
		}
	}()
	return f(tx)
}

// isSerializationFailure returns true if err was caused by a serializable
// transaction conflicting with a concurrent one.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure ||
		pgErr.Code == pgerrcode.DeadlockDetected
}

// serializableTx runs f inside a SERIALIZABLE transaction, retrying the whole
// transaction when it fails due to a serialization failure. f may be called
// multiple times.
func (db *DB) serializableTx(ctx context.Context, readOnly bool, f func(tx pgx.Tx) error) error {
	ctx, task := trace.NewTask(ctx, "db.serializableTx")
	defer task.End()

	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}

	for i := 0; i < db.maxRetries; i++ {
		conn, err := db.db.Acquire(ctx)
		if err != nil {
			str := fmt.Sprintf("unable to acquire connection: %v", err)
			return contextError(ErrConnFailed, str, err)
		}
		err = sqlTxWithOptions(ctx, conn.Conn(), opts, f)
		conn.Release()
		if !isSerializationFailure(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	str := fmt.Sprintf("transaction aborted after %d serialization failures",
		db.maxRetries)
	return contextError(ErrTooManyRetries, str, nil)
}

// View runs f inside a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx *Tx) error) error {
	return db.serializableTx(ctx, true, func(tx pgx.Tx) error {
		return f(&Tx{ctx: ctx, tx: tx, table: db.tableName, readOnly: true})
	})
}

// Update runs f inside a read-write transaction. f may be called more than
// once if the transaction conflicts with a concurrent one, so it must not
// have side effects outside of the transaction.
func (db *DB) Update(ctx context.Context, f func(tx *Tx) error) error {
	return db.serializableTx(ctx, false, func(tx pgx.Tx) error {
		return f(&Tx{ctx: ctx, tx: tx, table: db.tableName})
	})
}

// createDbInfoTableQuery returns a SQL query that creates the database info
// table (with no rows) if it does not already exist.
func (db *DB) createDbInfoTableQuery() string {
	const query = "CREATE TABLE IF NOT EXISTS %s (" +
		"	id INTEGER PRIMARY KEY NOT NULL DEFAULT (1) CHECK(id = 1)," +
		"	version INTEGER NOT NULL CHECK (version > 0)," +
		"	created TIMESTAMP NOT NULL DEFAULT (NOW())," +
		"	updated TIMESTAMP NOT NULL DEFAULT (NOW())" +
		");"
	return fmt.Sprintf(query, pq.QuoteIdentifier(db.tableName+"_info"))
}

// createKVTableQuery returns a SQL query that creates the key-value table if
// it does not already exist.
func (db *DB) createKVTableQuery() string {
	const query = "CREATE TABLE IF NOT EXISTS %s (" +
		"	k BYTEA PRIMARY KEY NOT NULL," +
		"	v BYTEA NOT NULL" +
		");"
	return fmt.Sprintf(query, pq.QuoteIdentifier(db.tableName))
}

// maybeLoadDatabaseInfo attempts to load information about the state of the
// database such as its version and the time it was created.  It returns nil
// for both the database info and the error when the information does not
// exist yet.
func (db *DB) maybeLoadDatabaseInfo(ctx context.Context, tx pgx.Tx) (*databaseInfo, error) {
	var dbInfo databaseInfo
	query := fmt.Sprintf("SELECT version, created, updated FROM %s WHERE id = 1;",
		pq.QuoteIdentifier(db.tableName+"_info"))
	row := tx.QueryRow(ctx, query)
	err := row.Scan(&dbInfo.version, &dbInfo.created, &dbInfo.updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		str := fmt.Sprintf("unable to query database info: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}

	return &dbInfo, nil
}

// updateDatabaseInfo either inserts or updates the only row allowed to be in
// the database info table with the provided values.
func (db *DB) updateDatabaseInfo(ctx context.Context, tx pgx.Tx, dbInfo *databaseInfo) error {
	dbInfo.updated = time.Now().UTC()

	query := fmt.Sprintf("INSERT INTO %s (version, created, updated) VALUES "+
		"($1, $2, $3) "+
		"ON CONFLICT (id) "+
		"DO UPDATE SET (version, updated) = ($1, $3);",
		pq.QuoteIdentifier(db.tableName+"_info"))
	_, err := tx.Exec(ctx, query, dbInfo.version, dbInfo.created, dbInfo.updated)
	if err != nil {
		str := fmt.Sprintf("unable to insert database info: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

// initDB initializes the database, creating the tables when needed.
//
// This function MUST be called with the init mutex held.
func (db *DB) initDB(ctx context.Context, tx pgx.Tx) error {
	// Ensure exclusive access during initialization.
	const dbInfoAdvisoryLockID = 1000
	const query = "SELECT pg_advisory_xact_lock(%d);"
	_, err := tx.Exec(ctx, fmt.Sprintf(query, dbInfoAdvisoryLockID))
	if err != nil {
		str := fmt.Sprintf("unable to obtain init lock: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}

	if _, err = tx.Exec(ctx, db.createDbInfoTableQuery()); err != nil {
		str := fmt.Sprintf("unable to create database info table: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}

	db.dbInfo, err = db.maybeLoadDatabaseInfo(ctx, tx)
	if err != nil {
		return err
	}

	if db.dbInfo == nil {
		now := time.Now().UTC()
		db.dbInfo = &databaseInfo{
			version: currentDBVersion,
			created: now,
		}
		if err := db.updateDatabaseInfo(ctx, tx, db.dbInfo); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, db.createKVTableQuery()); err != nil {
			str := fmt.Sprintf("unable to create kv table: %v", err)
			return contextError(ErrQueryFailed, str, err)
		}
	}

	if db.dbInfo.version > currentDBVersion {
		str := fmt.Sprintf("the current database is no longer compatible with "+
			"this version of the software (%d > %d)", db.dbInfo.version,
			currentDBVersion)
		return contextError(ErrOldDatabase, str, nil)
	}

	exists, err := tableExists(ctx, tx, db.tableName)
	if err != nil {
		return err
	}
	if !exists {
		str := fmt.Sprintf("table %q does not exist", db.tableName)
		return contextError(ErrMissingTable, str, nil)
	}
	return nil
}

// tableExists returns whether or not the provided table exists.
func tableExists(ctx context.Context, tx pgx.Tx, tableName string) (bool, error) {
	const query = "SELECT COUNT(*) FROM information_schema.tables WHERE " +
		"table_name = $1;"
	var count uint64
	row := tx.QueryRow(ctx, query, tableName)
	if err := row.Scan(&count); err != nil {
		str := fmt.Sprintf("unable to query table names: %v", err)
		return false, contextError(ErrQueryFailed, str, err)
	}
	return count > 0, nil
}

// DropAll removes the tables used by this DB. This is only meant to be used
// in tests.
func (db *DB) DropAll(ctx context.Context) error {
	for _, name := range []string{db.tableName, db.tableName + "_info"} {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s;", pq.QuoteIdentifier(name))
		if _, err := db.db.Exec(ctx, query); err != nil {
			str := fmt.Sprintf("unable to drop table %s: %v", name, err)
			return contextError(ErrQueryFailed, str, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.db.Close()
}

// options houses the configurable values when creating a backend.
type options struct {
	host       string
	port       string
	dbName     string
	roleName   string
	passphrase string
	sslMode    string
	serverCA   string
	tableName  string
	maxRetries int
}

// Option represents a modification to the configuration parameters used by
// Open.
type Option func(*options)

// WithHost overrides the default host for the host that serves the backing
// database with a custom value.
//
// The host may be an IP address for TCP connection, or an absolute path to a
// UNIX domain socket.  In the case UNIX sockets are used, the port should also
// be set to an empty string via WithPort.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithPort overrides the default port for the host that serves the backing
// database with a custom value.
func WithPort(port string) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithDBName overrides the default name for the backing database with a custom
// value.
func WithDBName(dbName string) Option {
	return func(o *options) {
		o.dbName = dbName
	}
}

// WithRole overrides the default role name that is used to access the database
// with a custom value.
func WithRole(roleName string) Option {
	return func(o *options) {
		o.roleName = roleName
	}
}

// WithPassphrase overrides the default passphrase that is used to access the
// database with a custom value.
func WithPassphrase(passphrase string) Option {
	return func(o *options) {
		o.passphrase = passphrase
	}
}

// WithTable overrides the name of the key-value table. Different tables allow
// multiple independent stores to share the same database.
func WithTable(tableName string) Option {
	return func(o *options) {
		o.tableName = tableName
	}
}

// WithMaxRetries overrides the number of attempts made to run a transaction
// that fails due to serialization conflicts.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithTLS connects to the backing database with TLS and verifies that the
// certificate presented by the server was signed by the provided CA, which is
// typically the server certicate itself for self-signed certificates, and that
// the server host name matches the one in the certificate.
//
// The provided server CA can be an empty string to use the system CAs instead
// for certs that are signed by one of them.
func WithTLS(serverCA string) Option {
	return func(o *options) {
		o.sslMode = "verify-full"
		o.serverCA = serverCA
	}
}

// Open opens a connection to a database, creates the key-value table if
// needed and returns a backend instance that is safe for concurrent use.
//
// Callers are responsible for calling Close on the returned instance when
// finished using it to ensure a clean shutdown.
//
// For example:
//
//	db, err := pgdb.Open(ctx, pgdb.WithHost(host), pgdb.WithPassphrase(pass),
//		pgdb.WithTable("alice"))
//	if err != nil {
//		/* handle err */
//	}
//	defer db.Close()
func Open(ctx context.Context, opts ...Option) (*DB, error) {
	o := options{
		host:       DefaultHost,
		port:       DefaultPort,
		dbName:     DefaultDBName,
		roleName:   DefaultRoleName,
		passphrase: DefaultRoleName, // Same as the role name.
		sslMode:    "disable",
		tableName:  DefaultTableName,
		maxRetries: DefaultMaxRetries,
	}
	for _, f := range opts {
		f(&o)
	}

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s "+
		"application_name=groupinvite target_session_attrs=any",
		o.host, o.roleName, o.passphrase, o.dbName, o.sslMode)
	if !strings.HasPrefix(o.host, "/") {
		connStr += fmt.Sprintf(" port=%s", o.port)
	}
	if o.sslMode != "disable" && o.serverCA != "" {
		connStr += fmt.Sprintf(" sslrootcert='%s'", o.serverCA)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		str := fmt.Sprintf("failed to create connection config: %v", err)
		return nil, contextError(ErrConnFailed, str, err)
	}

	db := &DB{
		tableName:  o.tableName,
		maxRetries: o.maxRetries,
	}

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			str := fmt.Sprintf("unable to communicate with database: %v", err)
			return contextError(ErrConnFailed, str, err)
		}

		// This ensures proper behavior in the case multiple connections
		// are opened to the same backend.
		db.initMtx.Lock()
		defer db.initMtx.Unlock()
		return sqlTxWithOptions(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return db.initDB(ctx, tx)
		})
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		str := fmt.Sprintf("unable to open connection to database: %v", err)
		return nil, contextError(ErrConnFailed, str, err)
	}

	// Force one connection so that initialization errors are reported
	// here instead of on the first transaction.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		str := fmt.Sprintf("unable to initialize database: %v", err)
		return nil, contextError(ErrConnFailed, str, err)
	}
	db.db = pool

	return db, nil
}
