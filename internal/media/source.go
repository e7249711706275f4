// Package media provides the local tracks a participant shares with every peer.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source owns a set of local tracks. The tracks are shared read-only by
// all negotiation sessions and released once with Close.
type Source struct {
	tracks []webrtc.TrackLocal

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Empty is a source without tracks, for receive-only participants.
func Empty() *Source {
	return &Source{cancel: func() {}}
}

// NewSilentAudio creates an Opus track fed with silence until Close.
func NewSilentAudio(streamID string) (*Source, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create opus track: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{tracks: []webrtc.TrackLocal{track}, cancel: cancel}
	s.wg.Add(1)
	go s.pump(ctx, track)
	return s, nil
}

func (s *Source) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("write silence")
			}
		}
	}
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	return s.tracks
}

// Close stops feeding the tracks. It is idempotent.
func (s *Source) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
