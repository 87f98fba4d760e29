package cabi

// #include <errno.h>
// #include <stdlib.h>
// #include "abi.h"
// #include "helpers.h"
import "C"

import (
	"errors"
	"io"
	"unsafe"
)

func exportedFrom(stream *C.struct_ArrowArrayStream) *exportedStream {
	return getHandle(stream.private_data).Value().(*exportedStream)
}

func (es *exportedStream) setLastError(err error) C.int {
	if es.lastErr != nil {
		C.free(unsafe.Pointer(es.lastErr))
	}
	es.lastErr = C.CString(err.Error())
	return C.EIO
}

//export rockfinchStreamGetSchema
func rockfinchStreamGetSchema(stream *C.struct_ArrowArrayStream, out *C.struct_ArrowSchema) C.int {
	es := exportedFrom(stream)
	if err := es.src.GetSchema(out); err != nil {
		return es.setLastError(err)
	}
	return 0
}

//export rockfinchStreamGetNext
func rockfinchStreamGetNext(stream *C.struct_ArrowArrayStream, out *C.struct_ArrowArray) C.int {
	es := exportedFrom(stream)
	err := es.src.Next(out)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, io.EOF):
		// end of stream: a released out array with a 0 return code
		C.rf_array_mark_released(out)
		return 0
	default:
		return es.setLastError(err)
	}
}

//export rockfinchStreamGetLastError
func rockfinchStreamGetLastError(stream *C.struct_ArrowArrayStream) *C.char {
	return exportedFrom(stream).lastErr
}

//export rockfinchStreamRelease
func rockfinchStreamRelease(stream *C.struct_ArrowArrayStream) {
	if C.rf_stream_is_released(stream) == 1 {
		return
	}
	h := getHandle(stream.private_data)
	es := h.Value().(*exportedStream)
	if es.lastErr != nil {
		C.free(unsafe.Pointer(es.lastErr))
	}
	es.src.Release()
	h.Delete()
	C.free(stream.private_data)
	C.rf_stream_mark_released(stream)
}
