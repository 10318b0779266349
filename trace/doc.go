// Package trace contains all the types provided for tracing within the replset
// package. With tracing a user is able to pull out fine-grained runtime events
// as they happen, which is useful for gathering metrics, logging, performance
// analysis, etc...
//
// All callbacks are called synchronously, so a slow callback slows down the
// component which triggered it. A nil callback is simply skipped.
package trace
