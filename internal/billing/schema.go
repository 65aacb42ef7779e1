// SPDX-License-Identifier: MIT

package billing

import (
	"context"
	"fmt"
)

// Schema is the DDL owned by this service. The students,
// simulation_attempts and credit_transactions tables belong to the
// platform schema and are assumed to exist; billed_minutes is ours and
// backs the per-minute uniqueness guarantee.
const Schema = `
CREATE TABLE IF NOT EXISTS billed_minutes (
    session_id    TEXT NOT NULL,
    minute_number INTEGER NOT NULL,
    billed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, minute_number)
);
`

// Migrate executes the Schema DDL, creating the billed_minutes table
// if it does not already exist.
func (e *Engine) Migrate(ctx context.Context) error {
	if _, err := e.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("billing: migrate: %w", err)
	}
	return nil
}
