//go:build race
// +build race

package parallel

// raceEnabled is a compile-time constant indicating whether the race
// detector is enabled.
const raceEnabled = true
