// Package callrecord persists the outcome of the last call to each subscriber,
// keyed by phone number, in a TTL key-value store.
package callrecord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/runtime/session"
)

// DefaultTTL is how long a record is kept.
const DefaultTTL = 7000000 * time.Second

// Record is the stored outcome of a call.
type Record struct {
	Phone        string  `json:"-"`
	Name         string  `json:"name"`
	ClientAnswer *string `json:"client_answer"`
	Rating       *int    `json:"rating"`
	Status       bool    `json:"status"`
}

// KV is a byte-valued store with per-key expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Store reads and writes records over a KV backend.
type Store struct {
	kv     KV
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore wraps kv. A non-positive ttl uses DefaultTTL.
func NewStore(kv KV, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl, logger: logger}
}

// Lookup returns the stored record for phone. Backend failures and malformed
// values are logged and read as absent.
func (s *Store) Lookup(ctx context.Context, phone string) (Record, bool) {
	raw, ok, err := s.kv.Get(ctx, phone)
	if err != nil {
		s.logger.Warn().Err(err).Str("phone", phone).Msg("read call record failed")
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	rec, err := Decode(phone, raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("phone", phone).Msg("stored call record is malformed")
		return Record{}, false
	}
	return rec, true
}

// Save writes rec under its phone number.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Phone == "" {
		return errinfo.New("callrecord.Save", "record phone is required", nil)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	if err := s.kv.Put(ctx, rec.Phone, raw, s.ttl); err != nil {
		return errinfo.Wrap("callrecord.Save", "failed to store call record", err, map[string]any{"phone": rec.Phone})
	}
	return nil
}

// FromResult builds the record of a finished call. The answer is the last text
// the subscriber produced on this call, or the answer stored by a previous call.
func (s *Store) FromResult(ctx context.Context, sub session.Subscriber, state session.Snapshot, rating *int, status bool) Record {
	answer := state.LastRecognizedText
	if answer == nil {
		if prev, ok := s.Lookup(ctx, sub.Phone); ok {
			answer = prev.ClientAnswer
		}
	}
	return Record{
		Phone:        sub.Phone,
		Name:         sub.Name,
		ClientAnswer: answer,
		Rating:       rating,
		Status:       status,
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Decode parses a stored value. Every field must be present with its type:
// name string, client_answer string or null, rating number or null, status bool.
func Decode(phone string, raw []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("value is not an object: %w", err)
	}
	if fields == nil {
		return Record{}, fmt.Errorf("value is not an object")
	}
	rec := Record{Phone: phone}
	if err := field(fields, "name", false, &rec.Name); err != nil {
		return Record{}, err
	}
	if err := field(fields, "client_answer", true, &rec.ClientAnswer); err != nil {
		return Record{}, err
	}
	if err := field(fields, "rating", true, &rec.Rating); err != nil {
		return Record{}, err
	}
	if err := field(fields, "status", false, &rec.Status); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func field(fields map[string]json.RawMessage, name string, nullable bool, dst any) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("%s is missing", name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if nullable {
			return nil
		}
		return fmt.Errorf("%s must not be null", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s has wrong type: %w", name, err)
	}
	return nil
}
