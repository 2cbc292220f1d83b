package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/callflow/api/callengine"
)

// Command is one entry of a call's command log.
type Command struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

const (
	CommandSay          = "say"
	CommandStopPlayback = "stop_playback"
	CommandHandleTones  = "handle_tones"
	CommandHangup       = "hangup"
	CommandSendMedia    = "send_media"
	CommandStopMedia    = "stop_media"
)

// Call is a simulated call. Commands come from the application, scripting
// methods (Connect, PressTone, Disconnect...) stand in for the subscriber.
type Call struct {
	emitter

	engine   *Engine
	id       string
	number   string
	callerID string

	mu           sync.Mutex
	state        callengine.CallState
	autoConnect  bool
	ending       bool
	tonesEnabled bool
	playing      bool
	playTimer    *time.Timer
	connectTimer *time.Timer
	media        map[*Recognizer]bool
	commands     []Command
	hangups      int
	prompts      []string
}

var _ callengine.Call = (*Call)(nil)

// AddEventListener registers h. The first Connected listener triggers the
// automatic connect of an outgoing call.
func (c *Call) AddEventListener(name callengine.EventName, h callengine.Handler) callengine.ListenerID {
	id := c.emitter.AddEventListener(name, h)
	if name != callengine.EventConnected {
		return id
	}
	c.mu.Lock()
	auto := c.autoConnect
	c.autoConnect = false
	delay := c.engine.cfg.ConnectDelay
	if auto && delay > 0 {
		c.connectTimer = time.AfterFunc(delay, func() { c.Connect() })
	}
	c.mu.Unlock()
	if auto && delay <= 0 {
		c.Connect()
	}
	return id
}

func (c *Call) ID() string       { return c.id }
func (c *Call) Number() string   { return c.number }
func (c *Call) CallerID() string { return c.callerID }

func (c *Call) State() callengine.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Say starts playing text. PlaybackFinished follows when the prompt ends.
func (c *Call) Say(text string, voice callengine.Voice) error {
	if err := c.command(CommandSay, text); err != nil {
		return err
	}
	delay := c.engine.cfg.PlaybackDelay
	if synth := c.engine.cfg.Synthesizer; synth != nil {
		utt, err := synth.Synthesize(context.Background(), text, voice)
		if err != nil {
			return fmt.Errorf("synthesize prompt: %w", err)
		}
		delay = utt.Duration
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, text)
	c.playing = true
	if c.playTimer != nil {
		c.playTimer.Stop()
		c.playTimer = nil
	}
	if delay > 0 || c.engine.cfg.Synthesizer != nil {
		c.playTimer = time.AfterFunc(delay, func() { c.FinishPlayback() })
	}
	return nil
}

func (c *Call) StopPlayback() error {
	if err := c.command(CommandStopPlayback, ""); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
	if c.playTimer != nil {
		c.playTimer.Stop()
		c.playTimer = nil
	}
	return nil
}

func (c *Call) HandleTones(enabled bool) error {
	if err := c.command(CommandHandleTones, fmt.Sprint(enabled)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tonesEnabled = enabled
	return nil
}

// Hangup ends the call locally; Disconnected follows.
func (c *Call) Hangup() error {
	if err := c.command(CommandHangup, ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.hangups++
	c.mu.Unlock()
	c.end(callengine.Event{Name: callengine.EventDisconnected, CallID: c.id, Reason: "hangup"}, callengine.CallDisconnected)
	return nil
}

func (c *Call) SendMediaTo(r callengine.Recognizer) error {
	rec, ok := r.(*Recognizer)
	if !ok {
		return fmt.Errorf("recognizer %T does not belong to this engine", r)
	}
	if err := c.command(CommandSendMedia, rec.id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media[rec] = true
	return nil
}

func (c *Call) StopMediaTo(r callengine.Recognizer) error {
	rec, ok := r.(*Recognizer)
	if !ok {
		return fmt.Errorf("recognizer %T does not belong to this engine", r)
	}
	if err := c.command(CommandStopMedia, rec.id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.media, rec)
	return nil
}

// Connect answers the call. Returns false if it is no longer connecting.
func (c *Call) Connect() bool {
	c.mu.Lock()
	if c.state != callengine.CallConnecting || c.ending {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.engine.post(dispatch{
		target: &c.emitter,
		event:  callengine.Event{Name: callengine.EventConnected, CallID: c.id},
		apply:  func() { c.setState(callengine.CallConnected) },
	})
}

// Fail reports a call failure from the network.
func (c *Call) Fail(code int, reason string) bool {
	return c.end(callengine.Event{Name: callengine.EventFailed, CallID: c.id, Code: code, Reason: reason}, callengine.CallFailed)
}

// Disconnect reports that the subscriber hung up.
func (c *Call) Disconnect(reason string) bool {
	return c.end(callengine.Event{Name: callengine.EventDisconnected, CallID: c.id, Reason: reason}, callengine.CallDisconnected)
}

// PressTone delivers a DTMF tone. Tones are dropped while capture is disabled.
func (c *Call) PressTone(tone string) bool {
	c.mu.Lock()
	enabled := c.tonesEnabled && !c.ending
	c.mu.Unlock()
	if !enabled {
		return false
	}
	return c.engine.post(dispatch{
		target: &c.emitter,
		event:  callengine.Event{Name: callengine.EventToneReceived, CallID: c.id, Tone: tone},
	})
}

// FinishPlayback ends the current prompt. Returns false if nothing was playing.
func (c *Call) FinishPlayback() bool {
	c.mu.Lock()
	if !c.playing || c.ending {
		c.mu.Unlock()
		return false
	}
	c.playing = false
	c.playTimer = nil
	c.mu.Unlock()
	return c.engine.post(dispatch{
		target: &c.emitter,
		event:  callengine.Event{Name: callengine.EventPlaybackFinished, CallID: c.id},
	})
}

// Commands returns the command log.
func (c *Call) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

// Prompts returns every text passed to Say.
func (c *Call) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// Hangups returns how many hangup commands were issued.
func (c *Call) Hangups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *Call) TonesEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tonesEnabled
}

func (c *Call) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// MediaRoutedTo reports whether call audio currently flows into r.
func (c *Call) MediaRoutedTo(r *Recognizer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media[r]
}

func (c *Call) command(name, arg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return fmt.Errorf("call %s has ended", c.id)
	}
	if name != CommandHangup && c.state != callengine.CallConnected {
		return fmt.Errorf("call %s is %s", c.id, c.state)
	}
	c.commands = append(c.commands, Command{Name: name, Arg: arg})
	c.engine.logger.Debug().Str("call_id", c.id).Str("command", name).Str("arg", arg).Msg("call command")
	return nil
}

func (c *Call) end(ev callengine.Event, state callengine.CallState) bool {
	c.mu.Lock()
	if c.ending {
		c.mu.Unlock()
		return false
	}
	c.ending = true
	c.tonesEnabled = false
	c.playing = false
	c.mu.Unlock()
	c.stopTimers()
	return c.engine.post(dispatch{
		target: &c.emitter,
		event:  ev,
		apply:  func() { c.setState(state) },
	})
}

func (c *Call) setState(state callengine.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Call) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playTimer != nil {
		c.playTimer.Stop()
		c.playTimer = nil
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}
