package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresDB bundles the writer and reader connections plus the
// delivery queue and delivery history stores
type PostgresDB struct {
	db  *sql.DB
	rdb *sql.DB

	DeliveryDB *DeliveryDB
	HistoryDB  *HistoryDB
}

func NewPostgresDB(username, password, name, host, rhost string) (*PostgresDB, error) {
	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=disable", username, password, name, host)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.Ping()
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rconnStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=disable", username, password, name, rhost)
	rdb, err := sql.Open("postgres", rconnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deliveryDB, err := NewDeliveryDB(db, rdb)
	if err != nil {
		return nil, err
	}

	historyDB, err := NewHistoryDB(db, rdb)
	if err != nil {
		return nil, err
	}

	pdb := &PostgresDB{
		db:         db,
		rdb:        rdb,
		DeliveryDB: deliveryDB,
		HistoryDB:  historyDB,
	}

	exists, err := pdb.DeliveryTableExists()
	if err != nil {
		return nil, err
	}

	if !exists {
		err = deliveryDB.CreateDeliveryTable()
		if err != nil {
			return nil, err
		}

		err = deliveryDB.CreateDeliveryTableIndexes()
		if err != nil {
			return nil, err
		}
	}

	exists, err = pdb.HistoryTableExists()
	if err != nil {
		return nil, err
	}

	if !exists {
		err = historyDB.CreateHistoryTable()
		if err != nil {
			return nil, err
		}

		err = historyDB.CreateHistoryTableIndexes()
		if err != nil {
			return nil, err
		}
	}

	return pdb, nil
}

// DeliveryTableExists checks if the deliveries table exists in the database
func (d *PostgresDB) DeliveryTableExists() (bool, error) {
	var exists bool
	err := d.db.QueryRow(`
    SELECT EXISTS (
        SELECT 1
        FROM information_schema.tables
        WHERE table_schema = 'public'
        AND table_name = 't_deliveries'
    );
    `).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// HistoryTableExists checks if the delivery history table exists in the database
func (d *PostgresDB) HistoryTableExists() (bool, error) {
	var exists bool
	err := d.db.QueryRow(`
    SELECT EXISTS (
        SELECT 1
        FROM information_schema.tables
        WHERE table_schema = 'public'
        AND table_name = 't_delivery_history'
    );
    `).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// Close closes both connections
func (d *PostgresDB) Close() error {
	err := d.rdb.Close()
	if err != nil {
		return err
	}

	return d.db.Close()
}
