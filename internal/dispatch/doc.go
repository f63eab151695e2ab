// Package dispatch implements the two-priority request admission and
// dispatch state machine.
//
// Two queues (HIGH, LOW) feed two worker pools (short, long) through two
// dispatcher loops. HIGH carries estimate-class work, LOW carries
// prepare-class downloads; the physical pool separation guarantees bulk
// downloads cannot starve quick estimation queries. Worker completions
// reenter finalization through a one-way outcome channel consumed by a
// single finalizer goroutine, which aggregates per-file results, fires the
// client callback exactly once, and retires the request into a bounded
// history ring.
package dispatch
