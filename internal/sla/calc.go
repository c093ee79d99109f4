package sla

import "time"

// Compliance is answeredWithinTarget / answered * 100; zero when nothing was answered.
func Compliance(answeredWithinTarget, answered int) float64 {
	if answered <= 0 {
		return 0
	}
	return float64(answeredWithinTarget) / float64(answered) * 100
}

// AbandonRate is abandoned / total * 100; zero for an empty window.
func AbandonRate(abandoned, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(abandoned) / float64(total) * 100
}

// Compute aggregates samples against target. A call is within target when it
// was answered strictly before the target elapsed.
func Compute(samples []Sample, target time.Duration) Window {
	var (
		w       Window
		waitSum time.Duration
	)
	for _, s := range samples {
		w.Total++
		switch {
		case s.Answered:
			w.Answered++
			waitSum += s.Wait
			if s.Wait < target {
				w.AnsweredWithinTarget++
			}
		case s.Abandoned:
			w.Abandoned++
		}
	}
	if w.Answered > 0 {
		w.AverageWaitSeconds = (waitSum / time.Duration(w.Answered)).Seconds()
	}
	w.CompliancePercent = Compliance(w.AnsweredWithinTarget, w.Answered)
	w.AbandonPercent = AbandonRate(w.Abandoned, w.Total)
	return w
}

// Bucketize splits [from, to) into bucket-sized windows keyed by enqueue time.
// The last window is truncated at to.
func Bucketize(samples []Sample, from, to time.Time, bucket, target time.Duration) []Window {
	if bucket <= 0 || !to.After(from) {
		return nil
	}
	var out []Window
	for start := from; start.Before(to); start = start.Add(bucket) {
		end := start.Add(bucket)
		if end.After(to) {
			end = to
		}
		var in []Sample
		for _, s := range samples {
			if !s.EnqueuedAt.Before(start) && s.EnqueuedAt.Before(end) {
				in = append(in, s)
			}
		}
		w := Compute(in, target)
		w.From, w.To = start, end
		out = append(out, w)
	}
	return out
}
