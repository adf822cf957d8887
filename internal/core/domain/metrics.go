package domain

import "time"

// CallStats describes one finished or established call for metrics recording.
type CallStats struct {
	ChannelID     ChannelID
	Mode          CallMode
	Side          CandidateSide
	SetupDuration time.Duration
	Duration      time.Duration
	Timestamp     time.Time
}
