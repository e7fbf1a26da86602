package protocol

import "fmt"

// Status is the closed set of job states carried by feedback events.
type Status int

const (
	StatusPaymentRequired Status = iota + 1
	StatusProcessing
	StatusSuccess
	StatusError
	StatusPartial
)

func (s Status) String() string {
	switch s {
	case StatusPaymentRequired:
		return "payment-required"
	case StatusProcessing:
		return "processing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusPartial:
		return "partial"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "payment-required":
		return StatusPaymentRequired, nil
	case "processing":
		return StatusProcessing, nil
	case "success":
		return StatusSuccess, nil
	case "error":
		return StatusError, nil
	case "partial":
		return StatusPartial, nil
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further feedback is expected after s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError:
		return true
	case StatusPaymentRequired, StatusProcessing, StatusPartial:
		return false
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
