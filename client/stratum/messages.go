package stratum

import (
	"encoding/json"
	"fmt"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

type ErrorCode int

const (
	ErrorUnknown        ErrorCode = 20
	ErrorJobNotFound    ErrorCode = 21
	ErrorDuplicateShare ErrorCode = 22
	ErrorLowDifficulty  ErrorCode = 23
	ErrorUnauthorized   ErrorCode = 24
	ErrorNotSubscribed  ErrorCode = 25
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorUnknown:
		return "Unknown"
	case ErrorJobNotFound:
		return "JobNotFound"
	case ErrorDuplicateShare:
		return "DuplicateShare"
	case ErrorLowDifficulty:
		return "LowDifficultyShare"
	case ErrorUnauthorized:
		return "Unauthorized"
	case ErrorNotSubscribed:
		return "NotSubscribed"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Fatal codes end the session.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrorJobNotFound, ErrorDuplicateShare, ErrorLowDifficulty:
		return false
	}
	return true
}

const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "set_extranonce"
)

// Line is one newline-delimited JSON message in either direction.
type Line struct {
	Id     *uint32         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type request struct {
	Id     uint32 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// StratumError is the [code, message, data] triple pools put in "error".
type StratumError struct {
	Code    ErrorCode
	Message string
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func parseError(raw json.RawMessage) (*StratumError, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var triple []json.RawMessage
	if err := utils.UnmarshalJSON(raw, &triple); err != nil || len(triple) < 2 {
		return nil, fmt.Errorf("malformed error %s", string(raw))
	}
	e := &StratumError{}
	if err := utils.UnmarshalJSON(triple[0], &e.Code); err != nil {
		return nil, fmt.Errorf("malformed error code %s", string(triple[0]))
	}
	if err := utils.UnmarshalJSON(triple[1], &e.Message); err != nil {
		e.Message = string(triple[1])
	}
	return e, nil
}

// parseParams decodes a positional params array into dst pointers.
func parseParams(raw json.RawMessage, dst ...any) error {
	var params []json.RawMessage
	if err := utils.UnmarshalJSON(raw, &params); err != nil {
		return err
	}
	if len(params) < len(dst) {
		return fmt.Errorf("expected %d params, got %d", len(dst), len(params))
	}
	for i, d := range dst {
		if err := utils.UnmarshalJSON(params[i], d); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}
