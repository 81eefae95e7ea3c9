package rabbitmq

import "errors"

var (
	// ErrBrokerUnavailable is returned when the broker cannot be dialed
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrNotConnected is returned when an operation needs a live connection
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrClientClosed is returned by Connect after Close
	ErrClientClosed = errors.New("rabbitmq client closed")

	// ErrChannelSetupFailed wraps the per-channel declaration failures of a connect
	ErrChannelSetupFailed = errors.New("channel setup failed")

	// ErrChannelNotOpen is returned when reading or writing a channel that is unknown or not declared yet
	ErrChannelNotOpen = errors.New("channel is not open")

	// ErrEmptyQueue signals that a get-one poll found nothing. It is a control condition, not a failure.
	ErrEmptyQueue = errors.New("no messages in queue")

	// ErrMalformedMessage is returned when a message body cannot be decoded. The message is acked anyway.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrRetryExhausted is returned when waiting for channels ran out of attempts
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
