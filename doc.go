// Package mapscale runs a function over a batch of inputs on a pool of
// workers that talk to the caller only through network channels, and
// returns the results in input order.
//
// A Dispatcher binds the work channel and the control channel and starts a
// result collector. Before a batch is sent the dispatcher tells the
// collector how many results to expect (the wake handshake). Workers pull
// jobs one at a time, so each job goes to exactly one worker, and push
// tagged results to the collector. Once the collector holds every result
// it hands them back as one bundle, which the dispatcher acknowledges and
// sorts by job id.
//
// Only one batch is in flight per dispatcher. A job whose work function
// fails does not fail the batch: its outcome carries a *JobError.
//
// Shutdown broadcasts QUIT to every worker and sends the terminate
// sentinel to the collector. Workers may run in other processes; see
// Dispatcher.Endpoints and Dispatcher.AddRemoteWorkers.
package mapscale
