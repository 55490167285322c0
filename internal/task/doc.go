// Package task defines the core vocabulary of the queue: the immutable
// task message, the result state machine, the handler registry, the error
// taxonomy used to classify failures, and the retry policy engine that
// decides between requeue and dead-letter on failure.
package task
