// Package store holds ProfileStore and GuestStore implementations for the
// otpauth engine.
//
// store/memory keeps everything in process and is meant for tests, examples
// and single-node development. store/postgres persists profiles and guest
// records with pgx.
package store
