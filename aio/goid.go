package aio

import (
	"runtime"
	"strconv"
)

// goid returns the id of the calling goroutine, parsed from the header
// line of its stack dump ("goroutine 123 [running]:"). The runtime keeps
// the id deliberately private, so the stack header is the only stable way
// to get it; the worker uses it to tell "already on the worker goroutine"
// from "must forward through the operation queue".
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := buf[len("goroutine "):n]
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			s = s[:i]
			break
		}
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		panic("aio: malformed goroutine stack header: " + string(buf[:n]))
	}
	return id
}
