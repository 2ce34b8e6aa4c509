package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strings"

	"github.com/creachadair/mds/heapq"

	"github.com/danderson/msgbus"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, strings.TrimSuffix(msg, "\n")+"\n")
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

type objectInterface struct {
	obj   *msgbus.ProxyObject
	iface *msgbus.InterfaceDescription
}

func compareProxies(a, b *msgbus.ProxyObject) int {
	return cmp.Compare(a.Path(), b.Path())
}

// listInterfaces walks the object tree under root in path order,
// yielding the interfaces that match the filters.
func listInterfaces(ctx context.Context, root *msgbus.ProxyObject, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(compareProxies)
		objs.Add(root)
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			if err := obj.IntrospectRemote(ctx); err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range obj.Children() {
				objs.Add(child)
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, iface := range obj.Interfaces() {
				if !im.MatchString(iface.Name()) {
					continue
				}
				if !yield(objectInterface{obj, iface}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
