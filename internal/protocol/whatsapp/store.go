package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/ashureev/pairsend/internal/shared"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the credential database inside a session directory.
const DatabaseFile = "whatsapp.db"

const (
	maxUpgradeRetries = 5
	upgradeBaseDelay  = 50 * time.Millisecond
)

// dsn builds a modernc.org/sqlite DSN with the pragmas the device store needs.
func dsn(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// openDevice opens the credential database under dir and returns the first
// device in it, creating an unpaired one when the store is empty.
func openDevice(ctx context.Context, dir string, log waLog.Logger) (*sql.DB, *store.Device, error) {
	db, err := sql.Open("sqlite", dsn(filepath.Join(dir, DatabaseFile)))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", log.Sub("Database"))
	if err := upgradeWithRetry(ctx, container, dir); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load device: %w", err)
	}
	return db, device, nil
}

func upgradeWithRetry(ctx context.Context, container *sqlstore.Container, dir string) error {
	var err error
	for i := 0; i < maxUpgradeRetries; i++ {
		err = container.Upgrade(ctx)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxUpgradeRetries-1 {
			break
		}
		delay := upgradeBaseDelay * time.Duration(1<<i)
		slog.Debug("Credential database locked during upgrade, retrying",
			"dir", dir,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("upgrade device store: %w", err)
}
