package msgbus

import (
	"fmt"
	"strings"
)

// An ObjectPath is the name of an object on a connection, a
// slash-separated path like "/org/example/Thing".
type ObjectPath string

// Valid reports whether p is a syntactically valid object path: "/"
// alone, or "/" followed by non-empty elements of [A-Za-z0-9_]
// separated by single slashes, with no trailing slash.
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if !strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for _, r := range elem {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

func (p ObjectPath) validate() error {
	if !p.Valid() {
		return fmt.Errorf("%w: invalid object path %q", ErrInvalidArgs, string(p))
	}
	return nil
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Parent returns the parent of p. The parent of "/" is "/".
func (p ObjectPath) Parent() ObjectPath {
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Child returns the path of the child of p named elem.
func (p ObjectPath) Child(elem string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + elem)
	}
	return p + ObjectPath("/"+elem)
}

// Base returns the last element of p, or "" for "/".
func (p ObjectPath) Base() string {
	return string(p[strings.LastIndexByte(string(p), '/')+1:])
}
