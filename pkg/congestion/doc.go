// Package congestion computes an advisory congestion level (0-3) for one
// association from observed outbound send delay.
//
// # Levels
//
// The level rises one step when the smoothed delay exceeds the ascending
// threshold of the next level and falls one step when it drops below the
// descending threshold of the current level:
//
//	level 0 -> 1   delay > Ascending[0]     (default 2.5s)
//	level 1 -> 2   delay > Ascending[1]     (default 8s)
//	level 2 -> 3   delay > Ascending[2]     (default 14s)
//	level 1 -> 0   delay < Descending[0]    (default 1.5s)
//	level 2 -> 1   delay < Descending[1]    (default 5.5s)
//	level 3 -> 2   delay < Descending[2]    (default 10s)
//
// Each descending threshold must not exceed its ascending counterpart; the
// gap between them is the hysteresis band in which the level holds.
//
// The controller never drops or delays traffic. Applications use level
// changes to throttle their producers.
package congestion
