package crawler

import "net/http"

// Handler receives the lifecycle callbacks of a request. Implementations are
// composed by the caller instead of subclassing a request type.
type Handler interface {
	OnStatus(req *Request, url string, code int)
	OnHeaders(req *Request, url string, headers http.Header)
	OnRedirect(req *Request, from, to string)
	OnSuccess(req *Request, resp *Response)
	OnError(req *Request, err error)
	OnDone(req *Request)
}

// HandlerFuncs adapts optional functions to a Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Status   func(req *Request, url string, code int)
	Header   func(req *Request, url string, headers http.Header)
	Redirect func(req *Request, from, to string)
	Success  func(req *Request, resp *Response)
	Error    func(req *Request, err error)
	Done     func(req *Request)
}

// OnStatus implements Handler.
func (h HandlerFuncs) OnStatus(req *Request, url string, code int) {
	if h.Status != nil {
		h.Status(req, url, code)
	}
}

// OnHeaders implements Handler.
func (h HandlerFuncs) OnHeaders(req *Request, url string, headers http.Header) {
	if h.Header != nil {
		h.Header(req, url, headers)
	}
}

// OnRedirect implements Handler.
func (h HandlerFuncs) OnRedirect(req *Request, from, to string) {
	if h.Redirect != nil {
		h.Redirect(req, from, to)
	}
}

// OnSuccess implements Handler.
func (h HandlerFuncs) OnSuccess(req *Request, resp *Response) {
	if h.Success != nil {
		h.Success(req, resp)
	}
}

// OnError implements Handler.
func (h HandlerFuncs) OnError(req *Request, err error) {
	if h.Error != nil {
		h.Error(req, err)
	}
}

// OnDone implements Handler.
func (h HandlerFuncs) OnDone(req *Request) {
	if h.Done != nil {
		h.Done(req)
	}
}

// FetchHooks observes a fetch hop by hop. Redirect hops report their own
// status and headers before OnRedirect.
type FetchHooks interface {
	OnStatus(url string, code int)
	OnHeaders(url string, headers http.Header)
	OnRedirect(from, to string)
}

// RequestHooks forwards FetchHooks to a request's Handler.
type RequestHooks struct {
	Request *Request
}

// OnStatus implements FetchHooks.
func (h RequestHooks) OnStatus(url string, code int) {
	h.Request.Handler.OnStatus(h.Request, url, code)
}

// OnHeaders implements FetchHooks.
func (h RequestHooks) OnHeaders(url string, headers http.Header) {
	h.Request.Handler.OnHeaders(h.Request, url, headers)
}

// OnRedirect implements FetchHooks.
func (h RequestHooks) OnRedirect(from, to string) {
	h.Request.Handler.OnRedirect(h.Request, from, to)
}
