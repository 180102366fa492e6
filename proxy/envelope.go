package proxy

// Request is the msgpack wire envelope for a service call.
type Request struct {
	ID      string `msgpack:"id"`
	Service string `msgpack:"service"`
	Method  string `msgpack:"method"`
	Args    []byte `msgpack:"args,omitempty"`
}

// Response is the msgpack wire envelope for a call result. Exactly one
// of Result or ErrCode is meaningful.
type Response struct {
	ID         string `msgpack:"id"`
	Result     []byte `msgpack:"result,omitempty"`
	ErrCode    string `msgpack:"err_code,omitempty"`
	ErrMessage string `msgpack:"err_msg,omitempty"`
}

// RemoteErr converts the response's error fields to a *RemoteError, or
// nil if the response carries no error.
func (r *Response) RemoteErr() *RemoteError {
	if r.ErrCode == "" {
		return nil
	}
	return &RemoteError{Code: r.ErrCode, Message: r.ErrMessage}
}
