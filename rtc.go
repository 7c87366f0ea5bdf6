package devicecheck

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionRTC implements RTCSupport using pion/webrtc. Probe is offline and
// deterministic; Loopback opens a real local peer connection pair.
type PionRTC struct{}

// NewPionRTC creates a WebRTC support prober.
func NewPionRTC() *PionRTC {
	return &PionRTC{}
}

// Probe verifies that a peer connection can be constructed and an offer
// generated. It performs no network I/O: no ICE gathering is started.
func (p *PionRTC) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	defer pc.Close()

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	if _, err := pc.CreateOffer(nil); err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

// Loopback sends n VP8-stamped RTP packets over a local peer connection
// pair and returns how many arrived. It exercises the full ICE/DTLS/SRTP
// path on the loopback interface.
func (p *PionRTC) Loopback(ctx context.Context, n int) (int, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return 0, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	offerPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return 0, fmt.Errorf("create offer peer: %w", err)
	}
	defer offerPC.Close()

	answerPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return 0, fmt.Errorf("create answer peer: %w", err)
	}
	defer answerPC.Close()

	track := NewRTPTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "loopback-video", "loopback")

	sender, err := offerPC.AddTrack(track)
	if err != nil {
		return 0, fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	var received atomic.Int32
	answerPC.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				return
			}
			received.Add(1)
		}
	})

	connected := make(chan struct{})
	answerPC.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			close(connected)
		}
	})

	if err := signalPair(offerPC, answerPC); err != nil {
		return 0, err
	}

	select {
	case <-connected:
	case <-ctx.Done():
		return 0, fmt.Errorf("loopback connect: %w", ctx.Err())
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return int(received.Load()), ctx.Err()
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 3000),
				SSRC:           0x1234,
			},
			Payload: []byte{0x10, 0x00, 0x9d, 0x01, 0x2a},
		}
		if err := track.WriteRTP(pkt); err != nil {
			return int(received.Load()), fmt.Errorf("write rtp: %w", err)
		}
	}

	// Packets cross a real transport; give stragglers a moment.
	deadline := time.Now().Add(3 * time.Second)
	for int(received.Load()) < n && time.Now().Before(deadline) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return int(received.Load()), ctx.Err()
		}
	}
	return int(received.Load()), nil
}

// signalPair exchanges non-trickle offers and answers between two local
// peer connections.
func signalPair(offerPC, answerPC *webrtc.PeerConnection) error {
	offer, err := offerPC.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offerGathered := webrtc.GatheringCompletePromise(offerPC)
	if err := offerPC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	<-offerGathered

	if err := answerPC.SetRemoteDescription(*offerPC.LocalDescription()); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := answerPC.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	answerGathered := webrtc.GatheringCompletePromise(answerPC)
	if err := answerPC.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	<-answerGathered

	if err := offerPC.SetRemoteDescription(*answerPC.LocalDescription()); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

var _ RTCSupport = (*PionRTC)(nil)
