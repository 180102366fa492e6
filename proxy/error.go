package proxy

import "fmt"

// RemoteError is an application-level failure reported by the target
// service. The target ran; it just declined. Code is the target's
// machine-readable error code.
type RemoteError struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("proxy: remote error [%s]: %s", e.Code, e.Message)
}

// CodeMethodNotFound is reported when the target service has no such method.
const CodeMethodNotFound = "method_not_found"
