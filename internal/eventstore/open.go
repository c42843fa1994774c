package eventstore

import (
	"fmt"
	"strings"
)

// Open returns the store selected by driver. It returns a nil Store for
// "none" or an empty driver.
func Open(driver, path, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none":
		return nil, nil
	case "sqlite":
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
