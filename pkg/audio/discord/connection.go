package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const (
	framesBuffer = 256
	outputBuffer = 64

	sampleRate = 48000
	channels   = 2
)

// Connection adapts a discordgo.VoiceConnection to [audio.Connection].
// Inbound packets are forwarded undecoded, tagged with the user that owns
// their SSRC. Packets from SSRCs that have not been announced by a speaking
// update are dropped.
//
// Connection is safe for concurrent use.
type Connection struct {
	channelID string

	recv <-chan *discordgo.Packet
	send chan<- []byte

	frames chan audio.AudioFrame
	output chan audio.AudioFrame

	mu       sync.RWMutex
	ssrcUser map[uint32]string

	done           chan struct{}
	doneOnce       sync.Once
	disconnectOnce sync.Once

	// speaking and disconnectVC wrap the voice connection; tests replace
	// them.
	speaking     func(bool) error
	disconnectVC func() error
}

// newConnection wraps an already-joined voice connection and starts its
// receive and send loops.
func newConnection(vc *discordgo.VoiceConnection, channelID string) *Connection {
	c := newConnectionFromChannels(channelID, vc.OpusRecv, vc.OpusSend)
	c.speaking = vc.Speaking
	c.disconnectVC = vc.Disconnect
	vc.AddHandler(c.handleSpeakingUpdate)
	return c
}

func newConnectionFromChannels(channelID string, recv <-chan *discordgo.Packet, send chan<- []byte) *Connection {
	c := &Connection{
		channelID:    channelID,
		recv:         recv,
		send:         send,
		frames:       make(chan audio.AudioFrame, framesBuffer),
		output:       make(chan audio.AudioFrame, outputBuffer),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		speaking:     func(bool) error { return nil },
		disconnectVC: func() error { return nil },
	}
	go c.recvLoop()
	go c.sendLoop()
	return c
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// Frames implements [audio.Connection]. Frames carry Opus packets.
func (c *Connection) Frames() <-chan audio.AudioFrame { return c.frames }

// OutputStream implements [audio.Connection]. Only Opus frames are sent.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// SetSpeaking implements [audio.Connection].
func (c *Connection) SetSpeaking(speaking bool) error {
	return c.speaking(speaking)
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect leaves the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.disconnectOnce.Do(func() {
		c.lost()
		err = c.disconnectVC()
	})
	return err
}

// UserForSSRC returns the user that owns ssrc, if known.
func (c *Connection) UserForSSRC(ssrc uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ssrcUser[ssrc]
	return id, ok
}

// lost marks the connection terminated without leaving the channel.
func (c *Connection) lost() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	ssrc := uint32(vs.SSRC)
	c.mu.Lock()
	prev, known := c.ssrcUser[ssrc]
	c.ssrcUser[ssrc] = vs.UserID
	c.mu.Unlock()
	if !known || prev != vs.UserID {
		slog.Debug("discord: mapped SSRC to user", "channel_id", c.channelID, "ssrc", ssrc, "user_id", vs.UserID)
	}
}

func (c *Connection) recvLoop() {
	defer close(c.frames)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.recv:
			if !ok {
				slog.Warn("discord: voice receive stream closed", "channel_id", c.channelID)
				c.lost()
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			user, ok := c.UserForSSRC(pkt.SSRC)
			if !ok {
				slog.Debug("discord: dropping packet from unknown SSRC", "channel_id", c.channelID, "ssrc", pkt.SSRC)
				continue
			}
			f := audio.AudioFrame{
				Data:       pkt.Opus,
				Encoding:   audio.EncodingOpus,
				SampleRate: sampleRate,
				Channels:   channels,
				Sequence:   pkt.Sequence,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / sampleRate,
				CapturedAt: time.Now(),
				SpeakerID:  user,
				ChannelID:  c.channelID,
			}
			select {
			case c.frames <- f:
			default:
				slog.Debug("discord: inbound frame dropped, consumer behind", "channel_id", c.channelID, "user_id", user)
			}
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.output:
			if f.Encoding != audio.EncodingOpus {
				slog.Warn("discord: dropping non-Opus output frame", "channel_id", c.channelID, "encoding", f.Encoding)
				continue
			}
			select {
			case c.send <- f.Data:
			case <-c.done:
				return
			}
		}
	}
}
