// Package protocol builds and parses the job request, feedback and result
// events exchanged with job consumers.
package protocol

const (
	KindFeedback = 7000

	RequestKindMin = 5000
	RequestKindMax = 5999
	ResultKindMin  = 6000
	ResultKindMax  = 6999

	resultKindOffset = 1000

	// LongDetailThreshold is the detail length above which an error detail
	// is carried in full in the event body and truncated in the status tag.
	LongDetailThreshold = 256
)

// ResultKind derives the result kind for a request kind, clamped to the
// result range.
func ResultKind(requestKind int) int {
	k := requestKind + resultKindOffset
	if k < ResultKindMin {
		return ResultKindMin
	}
	if k > ResultKindMax {
		return ResultKindMax
	}
	return k
}

func IsResultKind(kind int) bool {
	return kind >= ResultKindMin && kind <= ResultKindMax
}

func IsRequestKind(kind int) bool {
	return kind >= RequestKindMin && kind <= RequestKindMax
}
