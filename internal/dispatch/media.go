package dispatch

import (
	"context"
	"errors"

	"contact-center/internal/audio"
	"contact-center/internal/ivr"
	"contact-center/internal/telephony"
	"contact-center/pkg/logger"
)

var _ telephony.MediaSink = (*Dispatcher)(nil)

func (d *Dispatcher) OnAudio(ctx context.Context, vendor, callID string, c audio.Chunk) {
	if d.audio != nil {
		d.audio(ctx, vendor, callID, c)
	}
}

// OnAudioError drops the chunk. Too many failures inside the window end the
// call as an error and close its queue entry.
func (d *Dispatcher) OnAudioError(ctx context.Context, vendor, callID string, err error) {
	ctx, log := logger.WithCall(ctx, vendor, callID)
	d.metrics.AudioError(vendor)
	if !d.audioFailure(vendor, callID) {
		log.Debug("audio chunk dropped", "err", err)
		return
	}
	log.Error("audio conversion keeps failing; ending call", "err", err, "threshold", d.threshold, "window", d.window)

	a, ok := d.adapters[vendor]
	if !ok {
		if _, err := d.ivr.EndSession(ctx, callID, ivr.ExitError, ""); err != nil && !errors.Is(err, ivr.ErrExecution) {
			log.Warn("ivr session not ended", "err", err)
		}
		return
	}
	if _, err := d.retry.Do(ctx, log, func(ctx context.Context) error {
		err := a.EndCall(ctx, callID)
		d.metrics.VendorRequest(vendor, err)
		return err
	}); err != nil {
		log.Error("end call failed", "err", err)
	}
	d.close(ctx, a, callID, ivr.ExitError)
}

// OnEvent handles events read from a media stream. Stream key presses carry
// no prompt sequence, so they answer the prompt current when they arrive.
func (d *Dispatcher) OnEvent(ctx context.Context, ev telephony.Event) {
	if ev.Seq == 0 && (ev.Type == telephony.EventDTMF || ev.Type == telephony.EventSpeech) {
		if s, err := d.ivr.Get(ctx, ev.CallID); err == nil {
			ev.Seq = s.Seq
		}
	}
	if err := d.Dispatch(ctx, ev); err != nil {
		logger.From(ctx).Warn("stream event failed", "call_id", ev.CallID, "event", ev.Type, "err", err)
	}
}

func (d *Dispatcher) OnStreamClosed(_ context.Context, _ string, callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.calls[callID]; ok {
		st.audioErrors = nil
	}
}

// audioFailure records one conversion failure and reports whether the call
// just crossed the threshold. It reports true once per call.
func (d *Dispatcher) audioFailure(vendor, callID string) bool {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.calls[callID]
	if !ok {
		st = &callState{vendor: vendor}
		d.calls[callID] = st
	}
	if st.escalated {
		return false
	}
	cutoff := now.Add(-d.window)
	kept := st.audioErrors[:0]
	for _, t := range st.audioErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.audioErrors = append(kept, now)
	if len(st.audioErrors) < d.threshold {
		return false
	}
	st.escalated = true
	st.audioErrors = nil
	return true
}
