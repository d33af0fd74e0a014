// Package proc holds the OS independent parts of the debug engine: the
// normalized event model, the software and page breakpoint tables, the
// exception table and the error taxonomy shared by all commands.
//
// The engine itself lives in package native.
package proc
