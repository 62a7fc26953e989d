package eventbus

import "errors"

var (
	ErrTopology        = errors.New("eventbus: topology declaration failed")
	ErrPublish         = errors.New("eventbus: publish failed")
	ErrNotStarted      = errors.New("eventbus: not started")
	ErrInvalidEvent    = errors.New("eventbus: invalid event")
	ErrConsumerStopped = errors.New("eventbus: consumer stopped")
)
