// Package fabric provides the message channels mapscale components talk
// through. Every channel is a websocket endpoint bound to its own address;
// frames are a msgpack message type followed by a msgpack body.
//
// There are four channel kinds:
//
//   - WorkQueue/WorkPuller: a pull-based job queue. Workers send a credit
//     when they are idle and the queue hands the next job to the first
//     worker holding a credit. Each queued job goes to exactly one worker.
//   - ResultSink/ResultPusher: many workers push results, one collector
//     pulls them.
//   - Publisher/Subscriber: one-to-many broadcast of control signals.
//     Subscribers only see signals sent after they joined.
//   - PeerListener with Requester/Replier: a single rendezvous peer with
//     strict request/reply alternation.
//
// Blocking operations take a context. A context deadline surfaces as
// ErrTimeout; a torn down channel surfaces as ErrClosed. Channels never
// retry on their own.
package fabric
