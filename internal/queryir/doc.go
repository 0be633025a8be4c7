// Package queryir defines the backend-neutral representation of an action
// log pattern scan.
//
// The matcher never writes SQL. It describes what it wants (records of
// one action reference, with equality constraints on input/output fields,
// up to a sequence bound) and each store backend compiles that
// description for itself (SQLite json_extract, Postgres jsonb). Scalar
// constraints are pushed down to the database; constraints on array or
// object values cannot be parameterized portably and are left for the
// caller to evaluate record-side.
//
// Query and Predicate are sealed interfaces (marker method pattern), so
// backend compilers can type-switch exhaustively.
package queryir
