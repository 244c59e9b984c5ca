package mqtt

import "errors"

// Sentinels for the event sink; match them with errors.Is. Publish and
// subscribe failures wrap the broker's error.
var (
	// ErrNotConnected means the broker is unreachable. Supervisor events
	// published meanwhile are dropped, not queued.
	ErrNotConnected = errors.New("mqtt: broker not connected")

	// ErrConnectionFailed wraps the error from the first connect attempt.
	ErrConnectionFailed = errors.New("mqtt: cannot reach broker")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic rejects an empty topic, or a publish to a topic with
	// a wildcard, as a package name containing + or # would produce.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
