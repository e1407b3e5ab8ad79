// Package vad turns a stream of per-chunk speech probabilities into padded
// speech segments.
//
// FeedState is a hysteresis state machine over chunk indices: a run starts
// when the probability reaches Threshold and closes once it has stayed below
// NegThreshold for MinSilenceChunks. Closed runs shorter than
// MinSpeechChunks are dropped. The Emitter converts chunk intervals to
// seconds, applies padding, merges segments whose padded intervals touch and
// writes one "start,end" line per segment. Stats keeps the running totals
// behind the progress report.
package vad
