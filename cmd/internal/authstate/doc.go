// Package authstate persists per-session credential and key material on local disk.
//
// Layout (one directory per session id, the directory is the unit of cleanup):
//
//	<dir>/creds.json
//	<dir>/keys/<category>-<id>.json
//
// Every write is atomic (temp file + fsync + rename) so a crash never leaves a torn
// credential document behind.
package authstate
