// Package session holds the per-call context: subscriber data parsed from the
// call's custom data, and the mutable call-level state the flows share.
package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tiger/callflow/internal/errinfo"
)

const customDataSchemaURL = "callflow://custom_data.schema.json"

const customDataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "phone": {"type": "string"},
    "url_callback": {"type": "string", "format": "uri"}
  }
}`

var compileCustomDataSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(customDataSchemaURL, strings.NewReader(customDataSchema)); err != nil {
		return nil, fmt.Errorf("add custom data schema: %w", err)
	}
	return compiler.Compile(customDataSchemaURL)
})

// Subscriber is the called party.
type Subscriber struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Session is the context of one call.
type Session struct {
	id          string
	subscriber  Subscriber
	callbackURL string
	data        map[string]any
	state       *State
}

// New builds a session for a known subscriber.
func New(sub Subscriber, callbackURL string) *Session {
	return &Session{
		id:          uuid.NewString(),
		subscriber:  sub,
		callbackURL: callbackURL,
		data:        map[string]any{},
		state:       &State{},
	}
}

// FromCustomData parses the JSON custom data attached to a call. name and phone
// are required; url_callback enables call-list reporting.
func FromCustomData(raw string) (*Session, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errinfo.New("session.FromCustomData", "custom data is not specified", map[string]any{"custom_data": raw})
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errinfo.Wrap("session.FromCustomData", "custom data could not be read as an object", err,
			map[string]any{"custom_data": raw})
	}
	schema, err := compileCustomDataSchema()
	if err != nil {
		return nil, errinfo.Wrap("session.FromCustomData", "custom data schema is invalid", err, nil)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, errinfo.Wrap("session.FromCustomData", "custom data does not match the expected shape", err,
			map[string]any{"custom_data": raw})
	}

	data := payload.(map[string]any)
	phone, _ := data["phone"].(string)
	if phone == "" {
		return nil, errinfo.New("session.FromCustomData", "subscriber phone number could not be read", map[string]any{"data": data})
	}
	name, _ := data["name"].(string)
	if name == "" {
		return nil, errinfo.New("session.FromCustomData", "subscriber name could not be read", map[string]any{"data": data})
	}
	callback, _ := data["url_callback"].(string)

	s := New(Subscriber{Name: name, Phone: phone}, callback)
	s.data = data
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) Subscriber() Subscriber { return s.subscriber }

func (s *Session) CallbackURL() string { return s.callbackURL }

// CallListEnabled reports whether results are reported to a call list.
func (s *Session) CallListEnabled() bool { return s.callbackURL != "" }

// Data returns a copy of the raw custom data.
func (s *Session) Data() map[string]any { return maps.Clone(s.data) }

// State returns the mutable call-level state.
func (s *Session) State() *State { return s.state }

// State is the call-level state shared by the steps and flows of one call.
type State struct {
	mu         sync.Mutex
	lastText   *string
	lastRating *int
	status     bool
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	LastRecognizedText *string `json:"last_recognized_text"`
	LastRating         *int    `json:"last_rating"`
	Status             bool    `json:"status"`
}

// RecordText stores the last text the subscriber produced.
func (st *State) RecordText(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastText = &text
}

func (st *State) LastText() (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastText == nil {
		return "", false
	}
	return *st.lastText, true
}

func (st *State) SetRating(rating int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastRating = &rating
}

func (st *State) SetStatus(status bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
}

func (st *State) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := Snapshot{Status: st.status}
	if st.lastText != nil {
		text := *st.lastText
		out.LastRecognizedText = &text
	}
	if st.lastRating != nil {
		rating := *st.lastRating
		out.LastRating = &rating
	}
	return out
}
