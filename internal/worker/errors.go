package worker

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/pulsemail/relay/internal/sender"
)

// Kind buckets a delivery error by how the engine should react.
type Kind int

const (
	// KindTransient is a retryable failure: network trouble, 4xx rejections
	// that are not throttle signals. Consumes an attempt.
	KindTransient Kind = iota

	// KindPermanent is a recipient-level hard failure (5xx). No retry will
	// change the outcome.
	KindPermanent

	// KindThrottleDomain is a provider throttle scoped to the recipient's
	// domain. Blocks the domain and reschedules without consuming budget.
	KindThrottleDomain

	// KindThrottleGlobal is a provider-wide throttle signal. Blocks all
	// sending.
	KindThrottleGlobal
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindThrottleDomain:
		return "throttle-domain"
	case KindThrottleGlobal:
		return "throttle-global"
	default:
		return "transient"
	}
}

var (
	codeRe = regexp.MustCompile(`\b([45]\d\d)\b`)

	throttleCodes = map[int]bool{421: true, 429: true, 450: true, 451: true, 452: true}

	throttlePhrases = []string{
		"rate limit",
		"throttl",
		"too many",
		"blocked",
		"limit exceeded",
		"try again later",
	}

	// Signals that the provider is pushing back on the whole pipe, not one
	// recipient domain.
	globalPhrases = []string{
		"rate limit",
		"sending paused",
		"account",
		"maximum sending rate",
	}
)

// Classify buckets a provider error. The code comes from *sender.SendError
// when present, otherwise from the first 4xx/5xx token in the message text;
// throttle phrasing is matched case-insensitively because providers are
// wildly inconsistent about codes.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	code := 0
	msg := err.Error()
	var sendErr *sender.SendError
	if errors.As(err, &sendErr) {
		code = sendErr.Code
		msg = sendErr.Msg
	}
	lower := strings.ToLower(msg)

	if code == 0 {
		if m := codeRe.FindString(msg); m != "" {
			code, _ = strconv.Atoi(m)
		}
	}

	throttled := throttleCodes[code]
	if !throttled {
		for _, phrase := range throttlePhrases {
			if strings.Contains(lower, phrase) {
				throttled = true
				break
			}
		}
	}
	if throttled {
		if code == 421 {
			return KindThrottleGlobal
		}
		for _, phrase := range globalPhrases {
			if strings.Contains(lower, phrase) {
				return KindThrottleGlobal
			}
		}
		return KindThrottleDomain
	}

	if code >= 500 && code < 600 {
		return KindPermanent
	}
	return KindTransient
}
