// Package wsproxy is a token-scoped Layer-7 reverse proxy for Scrypted
// servers.  Requests to
//
//	/api/<domain>/<token>/<path>
//
// are resolved through a registry.Resolver and relayed to
// https://<host>/<path> of the backend registered under <token>.  Plain
// HTTP requests are streamed through an http.Client; WebSocket upgrades are
// bridged frame by frame between the viewer and a fresh backend connection.
//
//	viewer ----> [ proxy ] ----> scrypted
//
// Three paths are never proxied.  The core script, the entry script and the
// entry page are served from local disk, the latter two with the token (and
// the NVR flag of the backend) substituted in.
package wsproxy
