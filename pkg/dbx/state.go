package dbx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCASConflict is raised when StateCompareAndSet's expected_version does
// not match the row currently on disk (or the key does not exist).
var ErrCASConflict = errors.New("CAS_CONFLICT")

// keyvalue_state is the backing table for StateGet/StateSet/
// StateCompareAndSet: (key TEXT PRIMARY KEY, value JSONB, version INT).
const stateTable = "keyvalue_state"

// StateGet returns the current value and version for key. Returns
// (nil, 0, nil) if key does not exist.
func StateGet(ctx context.Context, q Queryer, key string) (any, int, error) {
	row, err := FetchRow(ctx, q, fmt.Sprintf(`SELECT value, version FROM %s WHERE key = $1`, stateTable), key)
	if err != nil {
		return nil, 0, fmt.Errorf("state get: %w", err)
	}
	if row == nil {
		return nil, 0, nil
	}
	version, _ := row["version"].(int64)
	return row["value"], int(version), nil
}

// StateSet unconditionally upserts key to newValue, resetting version to 1
// on first insert or incrementing it on update.
func StateSet(ctx context.Context, q Queryer, key string, newValue any) error {
	encoded, err := json.Marshal(newValue)
	if err != nil {
		return fmt.Errorf("state set: encode value: %w", err)
	}

	_, err = Execute(ctx, q, `
		INSERT INTO `+stateTable+` (key, value, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = `+stateTable+`.version + 1
	`, key, encoded)
	if err != nil {
		return fmt.Errorf("state set: %w", err)
	}
	return nil
}

// StateCompareAndSet atomically updates (value, version) for key where the
// row's current version equals expectedVersion, incrementing version by 1.
// Returns ErrCASConflict if no row matched — either the key does not exist
// or another writer already advanced it past expectedVersion.
func StateCompareAndSet(ctx context.Context, q Queryer, key string, expectedVersion int, newValue any) (int, error) {
	encoded, err := json.Marshal(newValue)
	if err != nil {
		return 0, fmt.Errorf("state cas: encode value: %w", err)
	}

	row, err := FetchRow(ctx, q, `
		UPDATE `+stateTable+`
		SET value = $1, version = version + 1
		WHERE key = $2 AND version = $3
		RETURNING version
	`, encoded, key, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("state cas: %w", err)
	}
	if row == nil {
		return 0, ErrCASConflict
	}

	newVersion, _ := row["version"].(int64)
	return int(newVersion), nil
}
