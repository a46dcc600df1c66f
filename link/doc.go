// Package link drives the poll loop that multiplexes every live
// transaction over one byte-oriented connection. A Link owns the shared
// socket the wire protocol travels over and the set of transactions
// currently addressed by xid (or, for a link that carries at most one
// transaction at a time, the single unmultiplexed slot at xid 0).
//
// Run is the only blocking call: it loops calling poll(2) once per tick,
// reads and demultiplexes whatever arrived on the link socket, then lets
// every transaction with ready channels do its own I/O — one goroutine,
// no internal fan-out, matching the single-threaded cooperative scheduler
// the wire protocol assumes.
package link
