package call

import "errors"

// Error taxonomy of the call core. Only media acquisition is terminal;
// everything else degrades the advisory status and leaves the countdown
// as the backstop.
var (
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrSignalingChannel = errors.New("signaling channel error")
	ErrPeerConnection   = errors.New("peer connection error")
	ErrNotActive        = errors.New("call is not active")
	ErrEnded            = errors.New("call already ended")
)
