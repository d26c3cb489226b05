// Package password hashes credentials with Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The engine uses it for the checkout flow's temporary password, which is
// hashed once at account creation and never read back. Callers supply
// plaintext and receive hashes; this package neither stores nor logs either.
package password
