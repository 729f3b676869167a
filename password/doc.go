// Package password hashes account passwords with Argon2id for the local
// identity provider.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes made with weaker parameters so the
// provider can rehash on the next successful sign-in.
package password
