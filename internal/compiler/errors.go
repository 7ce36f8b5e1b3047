package compiler

import "errors"

// ErrCompileConflict is returned when two clauses of the same intent
// submission lower to the same (target, kind) policy key with different
// parameters. This is a conflict within one submission, distinct from
// supersession across intents, which the core resolves by marking the
// older intent superseded.
var ErrCompileConflict = errors.New("compile_conflict")

// ErrMissingParameter is returned when a clause's parameters lack a value
// the policy kind requires to lower correctly.
var ErrMissingParameter = errors.New("missing_parameter")
