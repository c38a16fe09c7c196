package models

import "fmt"

// Channel is the tagged variant for outbound delivery mechanisms. Adding a
// channel means adding a Sender implementation, not touching the selector or
// the session window guard.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
)

// ParseChannel validates a configured channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelVoice, ChannelChat, ChannelEmail:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}
