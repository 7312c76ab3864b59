// Package message defines the envelope a decoded command travels in while it
// passes through the middleware chain.
//
// A Request is built once a frame has been decoded and its command id
// resolved to a registered entry; the Response is what the handler chain
// produced for it.
package message

// Request carries one decoded command.
type Request struct {
	Protocol    string // Name of the protocol that decoded the frame
	CommandID   uint8
	CommandName string
	Payload     []byte
}

// Response is the outcome of handling a Request.
//
//   - Payload == nil and Err == nil: handled, no reply frame.
//   - Payload != nil (possibly empty): reply under the request's command id.
//   - Err != nil: the handler failed; Payload is ignored.
type Response struct {
	Payload []byte
	Err     error
}

// Reply wraps a handler result in a Response.
func Reply(payload []byte, err error) *Response {
	return &Response{Payload: payload, Err: err}
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r != nil && r.Err != nil
}
