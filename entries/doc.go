// Package entries manages the lifecycle of configured Scrypted servers.
//
// Each entry names a Scrypted server and the credentials used to log in to
// it.  Setting up an entry retrieves a token from the server and registers
// the token in the registry, which makes the server reachable through the
// proxy at /api/<domain>/<token>/.  Unloading an entry reverses this.
package entries
