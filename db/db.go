package db

import (
	"context"
	"database/sql"
	"sync"

	"github.com/glypto/glyptodon/domain"
	"github.com/glypto/glyptodon/util"
	"github.com/google/uuid"
	"log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"time"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name varchar(255),
                        summary text,
                        public_key_pem text NOT NULL,
                        private_key_pem text NOT NULL,
                        service int default 0,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount        = `INSERT INTO accounts(id, username, display_name, summary, public_key_pem, private_key_pem, service, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByName  = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, service, created_at FROM accounts WHERE username = ?`
	sqlSelectServiceAccount = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, service, created_at FROM accounts WHERE service = 1 LIMIT 1`

	//Communities
	sqlCreateCommunitiesTable = `CREATE TABLE IF NOT EXISTS communities(
                        id uuid NOT NULL PRIMARY KEY,
                        name varchar(100) UNIQUE NOT NULL,
                        title varchar(255),
                        description text,
                        public_key_pem text NOT NULL,
                        private_key_pem text NOT NULL,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertCommunity       = `INSERT INTO communities(id, name, title, description, public_key_pem, private_key_pem, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectCommunityByName = `SELECT id, name, title, description, public_key_pem, private_key_pem, created_at FROM communities WHERE name = ?`
)

// Open opens a database at the given path and runs the schema setup.
// Tests pass ":memory:".
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	}

	// Tuned for a concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqlDB}
	if err := database.RunMigrations(); err != nil {
		return nil, err
	}
	return database, nil
}

func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := Open(util.ResolveFilePath("database.db"))
		if err != nil {
			panic(err)
		}
		log.Printf("Database initialized with connection pooling (max 25 connections)")
		dbInstance = database
	})

	return dbInstance
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, restarting
// it when sqlite reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			cancel()
			log.Printf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err != nil {
			tx.Rollback()
			cancel()
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			return err
		}
		err = tx.Commit()
		cancel()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		return nil
	}
}

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			acc.Service,
			acc.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadAccountByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByName, username)
	return scanAccount(row)
}

func (db *DB) ReadServiceAccount() (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectServiceAccount)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.PublicKeyPem, &acc.PrivateKeyPem, &acc.Service, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

// EnsureServiceAccount creates the instance service actor used to sign
// fetches on behalf of the server itself, if it does not exist yet.
func (db *DB) EnsureServiceAccount(keypair *util.RsaKeyPair) (error, *domain.Account) {
	err, existing := db.ReadServiceAccount()
	if err == nil && existing != nil {
		return nil, existing
	}

	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      "glyptodon.internal",
		DisplayName:   util.Name,
		Summary:       "Instance service actor",
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		Service:       true,
		CreatedAt:     time.Now(),
	}
	if err := db.CreateAccount(acc); err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) CreateCommunity(c *domain.Community) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunity,
			c.Id.String(),
			c.Name,
			c.Title,
			c.Description,
			c.PublicKeyPem,
			c.PrivateKeyPem,
			c.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadCommunityByName(name string) (error, *domain.Community) {
	row := db.db.QueryRow(sqlSelectCommunityByName, name)
	var c domain.Community
	var idStr string
	err := row.Scan(&idStr, &c.Name, &c.Title, &c.Description, &c.PublicKeyPem, &c.PrivateKeyPem, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	c.Id, _ = uuid.Parse(idStr)
	return nil, &c
}
