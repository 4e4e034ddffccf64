// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

// CachedStatements returns the number of prepared statements cached by the
// engine.
func (e *Engine) CachedStatements() int {
	return e.stmts.len()
}
