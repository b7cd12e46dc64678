// Package calib implements constrained geographic weight calibration: it
// splits each survey record's national weight across small areas so that
// the weighted sums of record characteristics hit known area targets while
// each record's shares stay summed to 1.
//
// The engine alternates two moves until both tolerances hold: a per-area
// solve (Newton-Raphson raking by default, with entropy and quadratic
// convex fallbacks for infeasible targets) and a row renormalization that
// restores the share constraint the solves disturbed. Diverged areas are
// patched with an identity adjustment and retried on later sweeps, so a
// single bad area cannot poison the matrix.
//
// Target cells known to be wrong can be excluded from the fit with a Mask;
// excluded cells still appear in the end-of-run diagnostics so their
// deviations stay visible.
package calib
