package fabric

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when a channel has been torn down.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout is returned when the caller's deadline elapsed first.
	ErrTimeout = errors.New("channel timeout")

	// ErrUnexpectedMessage is returned when a frame of another type arrived.
	ErrUnexpectedMessage = errors.New("unexpected message type")

	// ErrRequestOutstanding is returned by a Requester already waiting for
	// a reply.
	ErrRequestOutstanding = errors.New("request already outstanding")

	// ErrReplyState is returned when Receive and Reply do not alternate.
	ErrReplyState = errors.New("reply without a pending request")

	// ErrPeerAttached is returned by Dial when the rendezvous endpoint
	// already serves another peer.
	ErrPeerAttached = errors.New("rendezvous peer already attached")

	// ErrFrameTooLarge is returned for a frame the peer would refuse
	// because it exceeds MaxMessageSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
