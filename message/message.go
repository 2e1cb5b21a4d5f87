// Package message defines the envelopes exchanged between the two engines.
//
// Both directions carry a tagged union: the Kind field names the variant and
// Body holds its codec-encoded payload. A handful of kinds are reserved by the
// protocol itself; every other kind belongs to the business layer and is
// opaque here.
//
//	client ── Request{ID: 2, Kind: "desktops.switch", Body: ...} ──→ server
//	client ←── Response{ID: 2, Done: true, Kind: "desktop", Body: ...} ── server
//	client ── Request{ID: 4, Kind: "cancel", Target: 2} ──→ server
package message

// Kind names the variant carried by a Request or a Response.
type Kind string

// Reserved request kinds.
const (
	KindCancel Kind = "cancel" // Target names the request to cancel
)

// Reserved response kinds.
const (
	KindSuccess  Kind = "success"  // terminal without business payload
	KindError    Kind = "error"    // Error holds a human-readable message
	KindCanceled Kind = "canceled" // the request was canceled before completing
	KindDropped  Kind = "dropped"  // a request was rejected before dispatch
)

// NotifyID is the id of fire-and-forget requests. It is never registered on
// either side and never answered.
const NotifyID uint32 = 0

// DropReason explains why a request never reached dispatch.
type DropReason uint8

const (
	DropUnknown DropReason = iota
	DropTooLargeRequest
	DropParseError
)

func (r DropReason) String() string {
	switch r {
	case DropTooLargeRequest:
		return "too large request"
	case DropParseError:
		return "parse error"
	default:
		return "unknown"
	}
}

// Request is the client → server envelope.
type Request struct {
	ID     uint32 `json:"id"`
	Kind   Kind   `json:"kind"`
	Target uint32 `json:"target,omitempty"`
	Body   []byte `json:"body,omitempty"`
}

// NewCancel builds the Cancel request for target. Cancel requests expect no
// response of their own, so they travel with NotifyID.
func NewCancel(target uint32) *Request {
	return &Request{ID: NotifyID, Kind: KindCancel, Target: target}
}

// IsCancel reports whether r is the reserved Cancel variant.
func (r *Request) IsCancel() bool {
	return r.Kind == KindCancel
}

// Response is the server → client envelope. Done marks the terminal response
// for ID; partial responses of a stream have Done unset.
type Response struct {
	ID     uint32     `json:"id"`
	Done   bool       `json:"done,omitempty"`
	Kind   Kind       `json:"kind"`
	Error  string     `json:"error,omitempty"`
	Reason DropReason `json:"reason,omitempty"`
	Body   []byte     `json:"body,omitempty"`
}

// Success returns an empty terminal response for id.
func Success(id uint32) *Response {
	return &Response{ID: id, Done: true, Kind: KindSuccess}
}

// Failure returns a terminal error response for id.
func Failure(id uint32, msg string) *Response {
	return &Response{ID: id, Done: true, Kind: KindError, Error: msg}
}

// Canceled returns the terminal response for a canceled request.
func Canceled(id uint32) *Response {
	return &Response{ID: id, Done: true, Kind: KindCanceled}
}

// Dropped reports a request rejected before dispatch. The id is usually
// NotifyID because the offending request was never parsed.
func Dropped(id uint32, reason DropReason) *Response {
	return &Response{ID: id, Done: true, Kind: KindDropped, Reason: reason}
}

// Err converts a fault response into the matching error, or nil when the
// response carries a result.
func (r *Response) Err() error {
	switch r.Kind {
	case KindError:
		return &RemoteError{Message: r.Error}
	case KindCanceled:
		return ErrCanceled
	case KindDropped:
		return &DroppedError{Reason: r.Reason}
	default:
		return nil
	}
}

// HasPayload reports whether the response carries a business result, as
// opposed to a bare terminal marker or a fault.
func (r *Response) HasPayload() bool {
	switch r.Kind {
	case KindSuccess, KindError, KindCanceled, KindDropped:
		return false
	default:
		return true
	}
}
