// Package transaction implements the per-request state machine a link
// multiplexes: one command, file injection, or file extraction, with its
// own local sink/source channels, its own major/minor completion status,
// and its own slot in the link's xid space.
//
// A Transaction moves through four states — NEW, LIVE, HALF_DONE, DONE —
// driven entirely by SendMajor/SendMinor/Fail/Fail2/SendTimeout. Nothing
// about the state machine is specific to what kind of request it is; Kind
// is carried only so callers and logging can tell transactions apart.
package transaction
