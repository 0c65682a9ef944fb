//go:build !unix

package process

// On non-unix platforms the default single-process kill in runner.go is
// used; there is no process-group concept to widen it to.
