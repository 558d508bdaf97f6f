package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/user/pion-call-gateway/internal/session"
)

const codecVersion = 1

type wireTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRecord struct {
	V         int        `json:"v"`
	Version   int64      `json:"version"`
	CallID    string     `json:"call_id"`
	UpdatedAt time.Time  `json:"updated_at"`
	Turns     []wireTurn `json:"turns"`
}

// legacyMessage is the shape written by the first deployment: a bare list of
// tagged messages, {"type":"human","data":{"content":"..."}}.
type legacyMessage struct {
	Type string `json:"type"`
	Data struct {
		Content string `json:"content"`
	} `json:"data"`
}

// Encode serializes rec in the current record format.
func Encode(rec Record) ([]byte, error) {
	w := wireRecord{
		V:         codecVersion,
		Version:   rec.Version,
		CallID:    rec.CallID,
		UpdatedAt: rec.UpdatedAt.UTC(),
		Turns:     make([]wireTurn, 0, len(rec.Turns)),
	}
	for _, t := range rec.Turns {
		if t.Role != session.RoleCaller && t.Role != session.RoleAgent {
			return nil, errors.Wrapf(session.ErrUnknownRole, "encode call %s", rec.CallID)
		}
		w.Turns = append(w.Turns, wireTurn{Role: t.Role.String(), Content: t.Content})
	}
	return json.Marshal(w)
}

// Decode parses a stored record. Legacy lists of human/ai tagged messages are
// accepted and come back as version 0, so the next save replaces them. Any
// failure wraps ErrCorrupt.
func Decode(callID string, data []byte) (Record, error) {
	rec, err := decode(callID, data)
	if err != nil {
		return Record{}, &corruptError{callID: callID, err: err}
	}
	return rec, nil
}

// corruptError matches ErrCorrupt and keeps the decode failure in the chain.
type corruptError struct {
	callID string
	err    error
}

func (e *corruptError) Error() string {
	return "store: undecodable record for call " + e.callID + ": " + e.err.Error()
}

func (e *corruptError) Unwrap() error        { return e.err }
func (e *corruptError) Is(target error) bool { return target == ErrCorrupt }

// storedVersion is the compare-and-swap version of an encoded record. A record
// that cannot be decoded counts as version 0, so the next save replaces it
// instead of failing every turn of the call.
func storedVersion(callID string, data []byte) int64 {
	rec, err := Decode(callID, data)
	if err != nil {
		log.Warn().Err(err).Str("call_id", callID).Msg("replacing undecodable conversation record")
		return 0
	}
	return rec.Version
}

func decode(callID string, data []byte) (Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Record{}, errors.New("decode: empty record")
	}
	if data[0] == '[' {
		return decodeLegacy(callID, data)
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	if w.V != codecVersion {
		return Record{}, errors.Errorf("decode: unsupported record format v%d", w.V)
	}
	rec := Record{
		CallID:    w.CallID,
		Version:   w.Version,
		UpdatedAt: w.UpdatedAt,
		Turns:     make([]session.Turn, 0, len(w.Turns)),
	}
	if rec.CallID == "" {
		rec.CallID = callID
	}
	for i, t := range w.Turns {
		role, err := session.ParseRole(t.Role)
		if err != nil {
			return Record{}, errors.Wrapf(err, "decode turn %d", i)
		}
		rec.Turns = append(rec.Turns, session.Turn{Role: role, Content: t.Content})
	}
	return rec, nil
}

func decodeLegacy(callID string, data []byte) (Record, error) {
	var msgs []legacyMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return Record{}, errors.Wrap(err, "decode legacy record")
	}
	rec := Record{CallID: callID, Turns: make([]session.Turn, 0, len(msgs))}
	for i, m := range msgs {
		role, err := session.ParseRole(m.Type)
		if err != nil {
			return Record{}, errors.Wrapf(err, "decode legacy turn %d", i)
		}
		rec.Turns = append(rec.Turns, session.Turn{Role: role, Content: m.Data.Content})
	}
	return rec, nil
}
