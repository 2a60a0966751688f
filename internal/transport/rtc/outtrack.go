package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// trackState is the lifecycle of one outbound track, mirroring the
// mute/delete distinction a real subscriber UI needs. The relay loop
// checks only for delete: packets for a deleted track are dropped, while
// the track itself stays described in the SDP.
type trackState int32

const (
	trackStateOk trackState = iota
	trackStateMuted
	trackStateDelete
)

// outTrack is one subscriber's view of one publisher SSRC: a local
// static RTP track plus the atomically-readable state the relay loop
// checks before every write.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) markOk()              { ot.state.Store(int32(trackStateOk)) }
func (ot *outTrack) markDelete()          { ot.state.Store(int32(trackStateDelete)) }
