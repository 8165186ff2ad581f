// Package auth provides login and session tokens for coven-desk agents and admins.
//
// # Passwords
//
// Agent and admin passwords are stored as bcrypt hashes. Authenticator looks up the
// account by username and compares the hash; unknown usernames still pay for one bcrypt
// comparison so responses do not reveal which usernames exist.
//
// # Tokens
//
// When a jwt_secret is configured, a successful login returns an HS256 JWT carrying the
// principal id in "sub" and "agent" or "admin" in "role". The same tokens authenticate
// realtime registrations and, through RequireRole, the agent and admin HTTP routes.
// Without a secret, logins return no token and the routes are open.
package auth
