package config

import (
	"fmt"
	"strings"
)

// Method is one of the request methods a location can allow.
type Method uint8

const (
	MethodGET Method = 1 << iota
	MethodPOST
	MethodDELETE
)

// AllMethods lists the methods in canonical order.
var AllMethods = []Method{MethodGET, MethodPOST, MethodDELETE}

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	case MethodDELETE:
		return "DELETE"
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// ParseMethod maps a method token to a Method. Tokens are case sensitive, as
// they are on the wire.
func ParseMethod(token string) (Method, error) {
	switch token {
	case "GET":
		return MethodGET, nil
	case "POST":
		return MethodPOST, nil
	case "DELETE":
		return MethodDELETE, nil
	}
	return 0, fmt.Errorf("unsupported method %q (allowed: GET, POST, DELETE)", token)
}

// MethodSet is an immutable set of methods. The zero value allows nothing.
type MethodSet uint8

// NewMethodSet returns a set holding methods.
func NewMethodSet(methods ...Method) MethodSet {
	var s MethodSet
	for _, m := range methods {
		s = s.With(m)
	}
	return s
}

// With returns a copy of s that also holds m.
func (s MethodSet) With(m Method) MethodSet {
	return s | MethodSet(m)
}

// Has reports whether m is in s.
func (s MethodSet) Has(m Method) bool {
	return m != 0 && s&MethodSet(m) == MethodSet(m)
}

// Empty reports whether s allows nothing.
func (s MethodSet) Empty() bool {
	return s == 0
}

// Methods returns the members of s in canonical order.
func (s MethodSet) Methods() []Method {
	var out []Method
	for _, m := range AllMethods {
		if s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

// String renders s as an Allow header value, e.g. "GET, POST".
func (s MethodSet) String() string {
	methods := s.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
