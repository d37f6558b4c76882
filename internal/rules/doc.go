// Package rules compiles stored alert rules into tagged-variant predicate
// trees, keeps an in-memory index of active rules partitioned by scope, and
// turns matches into alerts.
//
// A rule matches an item only when every present condition group holds;
// absent groups are vacuously true. Evaluation is a pure function of the item
// and the rule: temporal conditions read the item's authored time, never the
// wall clock. Conditions that cannot be compiled (a malformed regex, an
// unknown timezone) compile to a predicate that never matches.
package rules
