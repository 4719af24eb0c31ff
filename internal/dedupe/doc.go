// Package dedupe provides a time-bounded set of recently seen keys.
//
// The conversation registry marks every conversation id here when the
// conversation terminates, so a physical stream that arrives after the fact
// can be told apart from one naming an id that never existed.
package dedupe
