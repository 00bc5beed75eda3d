package interactions

import (
	"encoding/json"

	"github.com/richiefi/vcp-origin/headercodec"
)

// Tags used on the wire. The names describe the hops as the test UI draws them.
const (
	TagRequestReceived = "VarnishToOrigin"
	TagResponseSent    = "OriginToVarnish"
	TagSleeping        = "OriginSleepingForSeconds"
)

// Event is one entry in a session's history. The set of implementations is closed.
type Event interface {
	json.Marshaler
	isEvent()
}

// RequestReceived is recorded when the tracked endpoint accepts a request
type RequestReceived struct {
	Path    string
	Headers headercodec.Pairs
}

// ResponseSent is recorded right before the tracked endpoint writes its response
type ResponseSent struct {
	StatusCode int
	Headers    headercodec.Pairs
	Body       string
}

// Sleeping is recorded when the tracked endpoint starts delaying its response
type Sleeping struct {
	Seconds int
}

// Custom is a test driver supplied event, kept byte for byte
type Custom struct {
	Raw json.RawMessage
}

func (RequestReceived) isEvent() {}
func (ResponseSent) isEvent()    {}
func (Sleeping) isEvent()        {}
func (Custom) isEvent()          {}

type taggedEvent struct {
	Tag  string        `json:"tag"`
	Args []interface{} `json:"args"`
}

type requestArgs struct {
	Path    string            `json:"path"`
	Headers headercodec.Pairs `json:"headers"`
}

type responseArgs struct {
	StatusCode int               `json:"statusCode"`
	Headers    headercodec.Pairs `json:"headers"`
	Body       string            `json:"body"`
}

func (e RequestReceived) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedEvent{
		Tag:  TagRequestReceived,
		Args: []interface{}{requestArgs{Path: e.Path, Headers: e.Headers}},
	})
}

func (e ResponseSent) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedEvent{
		Tag:  TagResponseSent,
		Args: []interface{}{responseArgs{StatusCode: e.StatusCode, Headers: e.Headers, Body: e.Body}},
	})
}

func (e Sleeping) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedEvent{
		Tag:  TagSleeping,
		Args: []interface{}{e.Seconds},
	})
}

func (e Custom) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// clone detaches the event from any slice the caller may still hold.
// Nil events, including typed nil pointers, come back as nil.
func clone(e Event) Event {
	switch ev := e.(type) {
	case nil:
		return nil
	case RequestReceived:
		ev.Headers = ev.Headers.Clone()
		return ev
	case *RequestReceived:
		if ev == nil {
			return nil
		}
		c := *ev
		c.Headers = c.Headers.Clone()
		return c
	case ResponseSent:
		ev.Headers = ev.Headers.Clone()
		return ev
	case *ResponseSent:
		if ev == nil {
			return nil
		}
		c := *ev
		c.Headers = c.Headers.Clone()
		return c
	case Custom:
		ev.Raw = append(json.RawMessage(nil), ev.Raw...)
		return ev
	case *Custom:
		if ev == nil {
			return nil
		}
		return Custom{Raw: append(json.RawMessage(nil), ev.Raw...)}
	case *Sleeping:
		if ev == nil {
			return nil
		}
		return *ev
	}
	return e
}
