package meter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meter-recharge/internal/core/domain"
)

var errUnrecognizedReply = errors.New("unrecognized meter reply shape")

// creditReply is the union of both platform reply shapes:
// current {success, errorMsg} and legacy {code, msg}.
type creditReply struct {
	Success  *bool       `json:"success"`
	ErrorMsg string      `json:"errorMsg"`
	Message  string      `json:"message"`
	Code     json.Number `json:"code"`
	Msg      string      `json:"msg"`
}

func parseCreditReply(raw []byte) (ok bool, message string, code int64, err error) {
	var r creditReply
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return false, "", 0, fmt.Errorf("decode meter reply: %w", err)
	}

	switch {
	case r.Success != nil:
		message = r.ErrorMsg
		if message == "" {
			message = r.Message
		}
		return *r.Success, message, 0, nil
	case r.Code != "":
		code, err = r.Code.Int64()
		if err != nil {
			return false, "", 0, fmt.Errorf("decode meter reply code %q: %w", r.Code, err)
		}
		return code == 0 || code == 200, r.Msg, code, nil
	default:
		return false, "", 0, errUnrecognizedReply
	}
}

// NormalizeCreditResponse maps either platform reply shape to a CreditResult.
// It is the only place that knows the platform's wire formats.
func NormalizeCreditResponse(raw []byte) (*domain.CreditResult, error) {
	ok, message, _, err := parseCreditReply(raw)
	if err != nil {
		return nil, err
	}
	return &domain.CreditResult{OK: ok, Message: message, Raw: json.RawMessage(raw)}, nil
}

func isTokenExpiredReply(ok bool, message string, code int64) bool {
	if ok {
		return false
	}
	if code == 401 {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "token expired") || strings.Contains(m, "token invalid") || strings.Contains(m, "invalid token")
}
