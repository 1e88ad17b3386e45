// Package selector resolves semantic fields from catalog pages using ordered
// fallback strategies. A field is described by a priority list of css,
// attribute, and regex strategies; the first one that yields a non-empty
// value wins, so one table can serve several page layouts.
package selector
