// Package anteroom lets processes outside a cluster talk to services
// inside it without joining the cluster themselves.
//
// A small set of in-cluster gateway nodes run a `Receptionist`. External
// processes run a `ClusterClient` configured with a few contact points
// (receptionist addresses). The client picks one, keeps the link alive
// with heartbeats, refreshes its contact list from the cluster, and, when
// the link dies silently, fails over to another contact point. Outbound
// work produced while no receptionist is reachable is kept in a bounded
// drop-oldest buffer and flushed on (re)connect.
//
// ## How it works
//
// Receptionists register services and topics in a registry shared across
// the gateway nodes via a UDP gossip protocol (`hashicorp/serf`). On
// receiving an envelope, a receptionist resolves the target path or topic
// and delivers the payload: `Send` picks exactly one registration
// (preferring a same-node one when the envelope carries a locality hint),
// `SendToAll` delivers to every registration, `Publish` fans out to every
// topic subscriber. Handlers never learn the client's real address:
// replies travel through a short-lived response tunnel keyed by a
// correlation token, which expires on its own if the handler never
// answers.
//
// Delivery is explicitly best-effort and at-most-once. Nothing in this
// package throws on loss: a message to an unregistered path vanishes
// silently, a full buffer evicts its oldest entry, and a dead link is
// only observable as a failover. Callers needing acknowledgement must
// build it on top, using reply tunnels or their own protocol.
//
// ## Transports
//
// The wire is abstracted behind the `Transport` interface, modeled on
// memberlist's packet transport. The production implementation sends
// frames as QUIC datagrams with mandatory mTLS; tests use an in-memory
// transport.
package anteroom
