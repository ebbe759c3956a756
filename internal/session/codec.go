package session

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/dealdesk/model"
)

//go:embed schema/*.sql
var schemaFS embed.FS

func readSchema(name string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", name, err)
	}
	return string(b), nil
}

// sessionColumns are the JSON-encoded columns of an edit_sessions row.
type sessionColumns struct {
	Baseline   []byte
	Working    []byte
	Operations []byte
}

func encodeColumns(sess model.EditSession) (sessionColumns, error) {
	var cols sessionColumns
	var err error
	if cols.Baseline, err = json.Marshal(sess.Baseline); err != nil {
		return cols, fmt.Errorf("marshal baseline: %w", err)
	}
	if cols.Working, err = json.Marshal(sess.Working); err != nil {
		return cols, fmt.Errorf("marshal working: %w", err)
	}
	ops := sess.Operations
	if ops == nil {
		ops = map[string]model.AsyncOperation{}
	}
	if cols.Operations, err = json.Marshal(ops); err != nil {
		return cols, fmt.Errorf("marshal operations: %w", err)
	}
	return cols, nil
}

func (cols sessionColumns) decodeInto(sess *model.EditSession) error {
	if err := json.Unmarshal(cols.Baseline, &sess.Baseline); err != nil {
		return fmt.Errorf("unmarshal baseline: %w", err)
	}
	if err := json.Unmarshal(cols.Working, &sess.Working); err != nil {
		return fmt.Errorf("unmarshal working: %w", err)
	}
	if len(cols.Operations) > 0 {
		if err := json.Unmarshal(cols.Operations, &sess.Operations); err != nil {
			return fmt.Errorf("unmarshal operations: %w", err)
		}
	}
	return nil
}
