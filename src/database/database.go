package database

import (
	"database/sql"
	stdlog "log"
	"strings"

	"github.com/username/stockfolio/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

// DSN appends the connection options every writer needs: a busy timeout so
// concurrent writers queue on the lock instead of failing with SQLITE_BUSY,
// and immediate transactions so the write lock is taken at BEGIN rather than
// at the first write, which would deadlock two read-then-write transactions.
func DSN(databasePath string) string {
	options := "_pragma=busy_timeout(5000)&_txlock=immediate"
	if strings.Contains(databasePath, "?") {
		return databasePath + "&" + options
	}
	return databasePath + "?" + options
}

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", DSN(databasePath))
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Ensuring database schema", "databasePath", databasePath)
	} else {
		stdlog.Println("Ensuring database schema for:", databasePath)
	}

	if err := EnsureSchema(DB); err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	migrateTransactionTable(DB)

	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// EnsureSchema creates all tables if they do not exist. Exported so tests can
// run it against in-memory databases.
func EnsureSchema(db *sql.DB) error {
	createTableStatement := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		broker TEXT NOT NULL,
		market_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK(quantity >= 0),
		average_cost TEXT NOT NULL DEFAULT '0',
		total_cost TEXT NOT NULL DEFAULT '0',
		realized_gain TEXT NOT NULL DEFAULT '0',
		realized_gain_home TEXT NOT NULL DEFAULT '0',
		first_purchase_date TIMESTAMP,
		last_transaction_date TIMESTAMP,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, symbol, broker)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		broker TEXT NOT NULL,
		symbol TEXT NOT NULL,
		market_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK(quantity > 0),
		price TEXT NOT NULL,
		commission TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		fx_rate TEXT NOT NULL DEFAULT '1',
		fx_source TEXT NOT NULL DEFAULT 'domestic',
		avg_cost_at_transaction TEXT,
		realized_profit_per_share TEXT,
		total_realized_profit TEXT,
		transaction_date TIMESTAMP NOT NULL,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tx_user_key_date
		ON transactions(user_id, symbol, broker, transaction_date);
	CREATE INDEX IF NOT EXISTS idx_tx_user_side
		ON transactions(user_id, side);

	CREATE TABLE IF NOT EXISTS broker_fees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broker TEXT NOT NULL,
		market_type TEXT NOT NULL,
		side TEXT NOT NULL,
		fee_rate TEXT NOT NULL,
		tax_rate TEXT NOT NULL DEFAULT '0',
		min_fee TEXT,
		max_fee TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(broker, market_type, side)
	);
	`

	_, err := db.Exec(createTableStatement)
	return err
}

// migrateTransactionTable backfills columns added after the first release.
func migrateTransactionTable(db *sql.DB) {
	rows, err := db.Query("PRAGMA table_info(transactions)")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema for 'transactions'", "error", err)
		} else {
			stdlog.Printf("Error querying table schema for 'transactions': %v", err)
		}
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info for 'transactions'", "error", err)
			} else {
				stdlog.Printf("Error scanning column info for 'transactions': %v", err)
			}
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info for 'transactions'", "error", err)
		} else {
			stdlog.Printf("Error iterating over column info for 'transactions': %v", err)
		}
		return
	}

	if _, ok := columnExists["fx_source"]; !ok {
		_, err := db.Exec("ALTER TABLE transactions ADD COLUMN fx_source TEXT NOT NULL DEFAULT 'domestic'")
		if err != nil {
			if logger.L != nil {
				logger.L.Error("Error adding 'fx_source' column to 'transactions' table", "error", err)
			} else {
				stdlog.Printf("Error adding 'fx_source' column to 'transactions' table: %v", err)
			}
		} else if logger.L != nil {
			logger.L.Info("Added 'fx_source' column to 'transactions' table")
		}
	}
	if _, ok := columnExists["notes"]; !ok {
		_, err := db.Exec("ALTER TABLE transactions ADD COLUMN notes TEXT")
		if err != nil {
			if logger.L != nil {
				logger.L.Error("Error adding 'notes' column to 'transactions' table", "error", err)
			} else {
				stdlog.Printf("Error adding 'notes' column to 'transactions' table: %v", err)
			}
		} else if logger.L != nil {
			logger.L.Info("Added 'notes' column to 'transactions' table")
		}
	}
}
