package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"remoting/event"
)

// methodType describes one remotely callable method:
//
//	func (t *T) Name([ctx context.Context,] p1 P1, ..., pn Pn) [R | error | (R, error)]
type methodType struct {
	method   reflect.Method
	hasCtx   bool
	argTypes []reflect.Type
	hasValue bool
	hasError bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	sourceType  = reflect.TypeOf((*event.Source)(nil)).Elem()
	hubType     = reflect.TypeOf((*event.Hub)(nil))
)

// newService scans rcvr for callable methods. A target implementing event.Source does not
// expose the Source methods, and one embedding event.Hub does not expose any Hub method name.
func newService(rcvr any) (*service, error) {
	if rcvr == nil {
		return nil, errors.New("remoting: nil target")
	}
	typ := reflect.TypeOf(rcvr)
	name := typ.Name()
	if typ.Kind() == reflect.Pointer {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	return s, nil
}

func (s *service) registerMethods() {
	hidden := make(map[string]bool)
	if s.typ.Implements(sourceType) {
		for i := 0; i < sourceType.NumMethod(); i++ {
			hidden[sourceType.Method(i).Name] = true
		}
	}
	if embedsHub(s.typ, 0) {
		for i := 0; i < hubType.NumMethod(); i++ {
			hidden[hubType.Method(i).Name] = true
		}
	}
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if hidden[method.Name] {
			continue
		}
		if mt := inspect(method); mt != nil {
			s.method[method.Name] = mt
		}
	}
}

// embedsHub reports whether t has an event.Hub among its embedded fields, at any depth.
func embedsHub(t reflect.Type, depth int) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || depth > 8 {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		if f.Type == hubType || f.Type == hubType.Elem() || embedsHub(f.Type, depth+1) {
			return true
		}
	}
	return false
}

func inspect(method reflect.Method) *methodType {
	mt := &methodType{method: method}
	ft := method.Type
	for i := 1; i < ft.NumIn(); i++ {
		in := ft.In(i)
		if i == 1 && in == contextType {
			mt.hasCtx = true
			continue
		}
		switch in.Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			return nil
		}
		if in.Implements(contextType) {
			return nil
		}
		mt.argTypes = append(mt.argTypes, in)
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil
		}
		mt.hasValue, mt.hasError = true, true
	default:
		return nil
	}
	return mt
}

// call decodes params, invokes the method and encodes its return value. A panic in the
// method is returned as a *PanicError.
func (s *service) call(ctx context.Context, mt *methodType, params []json.RawMessage) (ret json.RawMessage, err error) {
	if len(params) != len(mt.argTypes) {
		return nil, fmt.Errorf("remoting: %s expects %d parameters, got %d", mt.method.Name, len(mt.argTypes), len(params))
	}
	in := make([]reflect.Value, 0, 2+len(params))
	in = append(in, s.rcvr)
	if mt.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range mt.argTypes {
		argv := reflect.New(t)
		if err := json.Unmarshal(params[i], argv.Interface()); err != nil {
			return nil, fmt.Errorf("remoting: %s parameter %d: %w", mt.method.Name, i, err)
		}
		in = append(in, argv.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, &PanicError{Value: r}
		}
	}()
	out := mt.method.Func.Call(in)

	if mt.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if !mt.hasValue {
		return nil, nil
	}
	return json.Marshal(out[0].Interface())
}

// PanicError carries the value a target method panicked with.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprint(e.Value) }

// errorMessage renders err for the wire as "<type> <message>" of its root cause.
func errorMessage(err error) string {
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	return fmt.Sprintf("%T %s", cause, cause.Error())
}
