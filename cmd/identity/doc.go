// Package identity resolves which user an inbound request acts for.
//
// Authentication itself is an external collaborator (a gateway or auth proxy in front of
// bazaar); this package only reads the identity it established and checks that it is a
// well-formed user id.
package identity
