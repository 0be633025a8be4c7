// Package rule defines the synchronization-rule vocabulary: interned
// variable tokens, literal/variable terms, when-patterns and
// then-templates, frames (candidate variable assignments), and the
// registry rules are validated into at startup.
//
// Variables are tokens, not strings. Two rules that both name a variable
// "request" hold distinct tokens, so reusing a readable name never joins
// unrelated patterns. Registration resolves everything checkable up
// front: reference syntax, per-rule name uniqueness, and the rule that a
// then-template may only reference variables some when-pattern binds or
// the guard declares.
package rule
