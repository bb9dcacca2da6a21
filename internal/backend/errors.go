package backend

import "fmt"

// UnexpectedStatusError reports a response outside the operation's contract,
// including transient 5xx from the scoring service.
type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
