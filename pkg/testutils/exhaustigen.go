package testutils

import "pkg.world.dev/world-engine/chainclient/pkg/assert"

// Gen enumerates every combination of the choices a test makes. Each pass through
//
//	for !g.Done() { ... }
//
// replays one path through the choice tree; Done advances to the next path by bumping the deepest
// choice that has not reached its bound and truncating everything after it. Tests may make a
// different number of choices on different paths.
//
// See: <https://matklad.github.io/2021/11/07/generate-all-the-things.html>
type Gen struct {
	started bool
	choices []choice
	pos     int
}

type choice struct {
	value uint32
	bound uint32
}

const maxDepth = 64

func NewGen() *Gen {
	return &Gen{}
}

// Done reports whether every path has been visited.
func (g *Gen) Done() bool {
	if !g.started {
		g.started = true
		return false
	}
	for i := len(g.choices) - 1; i >= 0; i-- {
		if g.choices[i].value < g.choices[i].bound {
			g.choices[i].value++
			g.choices = g.choices[:i+1]
			g.pos = 0
			return false
		}
	}
	return true
}

func (g *Gen) next(bound uint32) uint32 {
	assert.That(g.pos < maxDepth, "exhaustigen: more than %d choices on one path", maxDepth)
	if g.pos == len(g.choices) {
		g.choices = append(g.choices, choice{})
	}
	c := &g.choices[g.pos]
	c.bound = bound
	g.pos++
	return c.value
}

// Intn returns a value in [0, bound].
func (g *Gen) Intn(bound int) int {
	return int(g.next(uint32(bound))) //nolint:gosec // bounds are small in tests
}

// Range returns a value in [lo, hi].
func (g *Gen) Range(lo, hi int) int {
	assert.That(lo <= hi, "exhaustigen: empty range [%d, %d]", lo, hi)
	return lo + g.Intn(hi-lo)
}

// Bool returns both booleans across paths.
func (g *Gen) Bool() bool {
	return g.Intn(1) == 1
}

// Pick returns each element of slice across paths.
func Pick[T any](g *Gen, slice []T) T {
	assert.That(len(slice) > 0, "exhaustigen: empty slice")
	return slice[g.Intn(len(slice)-1)]
}
