// Package demo holds sample handlers used to exercise a bridge by hand and
// in tests, along with a catalog that registers them by name.
package demo
