package coroutine

import "reflect"

// assignReflect copies v into the value ptr points to, across arbitrary
// types (string, int, []byte, struct, ...), mirroring how Channel.Receive
// hands back whatever type was originally Sent without the caller needing
// a type switch per value kind.
func assignReflect(ptr interface{}, v interface{}) {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return
	}
	elem := rv.Elem()
	if v == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return
	}
	val := reflect.ValueOf(v)
	if val.Type().AssignableTo(elem.Type()) {
		elem.Set(val)
		return
	}
	if val.Type().ConvertibleTo(elem.Type()) {
		elem.Set(val.Convert(elem.Type()))
	}
}
