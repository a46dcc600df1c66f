// Package transport provides a demonstration transport for the link core:
// dialing or listening on a TCP address and handing back the connection's
// file descriptor for a link.Link to drive directly. It exists so the
// demo binaries and integration tests have something concrete to connect
// over; it is not a stand-in for virtio-serial or any other production
// backend.
//
// A short handshake exchanges a session nonce before the link protocol
// takes over the connection, giving each side something to log
// alongside its own link.Link.ID().
package transport
