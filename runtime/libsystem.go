package runtime

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// LibSystem is the install name of the C library.
const LibSystem = "/usr/lib/libSystem.B.dylib"

const guestPID = 1

// libSystem provides the process, heap, string and thread functions every
// image imports.
type libSystem struct {
	e *Environment
}

func (l *libSystem) Library() string { return LibSystem }

func (l *libSystem) Register(t *dispatch.Table) error {
	return t.RegisterHost(l)
}

func (l *libSystem) Functions() map[string]any {
	e := l.e
	return map[string]any{
		"_exit":   func(c *dispatch.Call, code int32) error { return e.exit(c, code) },
		"__exit":  func(c *dispatch.Call, code int32) { e.terminate(c, code) },
		"_abort":  l.abort,
		"_atexit": l.atexit,
		"_getpid": func() int32 { return guestPID },
		"___error": func() uint32 {
			if e.sched == nil {
				return 0
			}
			return e.sched.current.errno
		},

		"_malloc":      l.malloc,
		"_calloc":      l.calloc,
		"_realloc":     l.realloc,
		"_free":        l.free,
		"_malloc_size": l.mallocSize,

		"_memcpy":  l.memmove,
		"_memmove": l.memmove,
		"_memset":  l.memset,
		"_memcmp":  l.memcmp,
		"_bzero":   l.bzero,
		"_strlen":  l.strlen,
		"_strcmp":  l.strcmp,
		"_strncmp": l.strncmp,
		"_strcpy":  l.strcpy,
		"_strdup":  l.strdup,

		"_pthread_create": e.pthreadCreate,
		"_pthread_join":   e.pthreadJoin,
		"_pthread_detach": e.pthreadDetach,
		"_pthread_exit":   func(c *dispatch.Call, value uint32) error { return e.exitThread(c, value) },
		"_pthread_self":   e.CurrentThread,
		"_pthread_equal":  func(a, b uint32) bool { return a == b },
		"_sched_yield":    l.yield,
		"_usleep":         func(c *dispatch.Call, usec uint32) int32 { return l.yield(c) },

		"_pthread_mutex_init":        e.mutexInit,
		"_pthread_mutex_lock":        e.mutexLock,
		"_pthread_mutex_trylock":     e.mutexTryLock,
		"_pthread_mutex_unlock":      e.mutexUnlock,
		"_pthread_mutex_destroy":     e.mutexDestroy,
		"_pthread_mutexattr_init":    e.mutexAttrInit,
		"_pthread_mutexattr_settype": e.mutexAttrSetType,
		"_pthread_mutexattr_destroy": func(attr uint32) int32 { return 0 },
	}
}

func (l *libSystem) abort(c *dispatch.Call) error {
	return errors.New(errors.PhaseRuntime, errors.KindFault).
		Addr(c.Return).
		Value("abort").
		Detail("guest called abort").
		Build()
}

func (l *libSystem) atexit(fn uint32) int32 {
	l.e.atexit = append(l.e.atexit, fn)
	return 0
}

// yield gives up the rest of the time slice; sleeps do not wait.
func (l *libSystem) yield(c *dispatch.Call) int32 {
	c.Yield()
	return 0
}

func (l *libSystem) setErrno(v uint32) {
	if l.e.sched == nil {
		return
	}
	_ = l.e.mem.WriteU32(l.e.sched.current.errno, v)
}

func (l *libSystem) malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	addr, err := l.e.mem.Alloc(size, 16)
	if err != nil {
		Logger().Warn("malloc failed", zap.Uint32("size", size), zap.Error(err))
		l.setErrno(errENOMEM)
		return 0
	}
	return addr
}

func (l *libSystem) calloc(n, size uint32) uint32 {
	total := uint64(n) * uint64(size)
	if total > 1<<32-1 {
		l.setErrno(errENOMEM)
		return 0
	}
	return l.malloc(uint32(total))
}

func (l *libSystem) realloc(ptr, size uint32) (uint32, error) {
	if ptr == 0 {
		return l.malloc(size), nil
	}
	old, ok := l.e.mem.AllocSize(ptr)
	if !ok {
		return 0, errors.New(errors.PhaseHost, errors.KindInvalidFree).
			Addr(ptr).
			Detail("realloc of a pointer not returned by malloc").
			Build()
	}
	if size == 0 {
		return 0, l.e.mem.Free(ptr)
	}
	addr := l.malloc(size)
	if addr == 0 {
		return 0, nil
	}
	data, err := l.e.mem.Read(ptr, min(old, size))
	if err != nil {
		return 0, err
	}
	if err := l.e.mem.Write(addr, data); err != nil {
		return 0, err
	}
	return addr, l.e.mem.Free(ptr)
}

func (l *libSystem) free(ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	return l.e.mem.Free(ptr)
}

func (l *libSystem) mallocSize(ptr uint32) uint32 {
	size, _ := l.e.mem.AllocSize(ptr)
	return size
}

func (l *libSystem) memmove(dst, src, n uint32) (uint32, error) {
	if n == 0 {
		return dst, nil
	}
	data, err := l.e.mem.Read(src, n)
	if err != nil {
		return 0, err
	}
	return dst, l.e.mem.Write(dst, data)
}

func (l *libSystem) memset(dst uint32, c int32, n uint32) (uint32, error) {
	if n == 0 {
		return dst, nil
	}
	return dst, l.e.mem.Write(dst, bytes.Repeat([]byte{byte(c)}, int(n)))
}

func (l *libSystem) bzero(dst, n uint32) error {
	_, err := l.memset(dst, 0, n)
	return err
}

func (l *libSystem) memcmp(a, b, n uint32) (int32, error) {
	x, err := l.e.mem.Read(a, n)
	if err != nil {
		return 0, err
	}
	y, err := l.e.mem.Read(b, n)
	if err != nil {
		return 0, err
	}
	return compareBytes(x, y), nil
}

func (l *libSystem) strlen(s uint32) (uint32, error) {
	str, err := l.e.mem.ReadCString(s)
	return uint32(len(str)), err
}

func (l *libSystem) strcmp(a, b string) int32 {
	return compareBytes(append([]byte(a), 0), append([]byte(b), 0))
}

func (l *libSystem) strncmp(a, b string, n uint32) int32 {
	x, y := append([]byte(a), 0), append([]byte(b), 0)
	if uint32(len(x)) > n {
		x = x[:n]
	}
	if uint32(len(y)) > n {
		y = y[:n]
	}
	return compareBytes(x, y)
}

func (l *libSystem) strcpy(dst uint32, src string) (uint32, error) {
	return dst, l.e.mem.Write(dst, append([]byte(src), 0))
}

func (l *libSystem) strdup(s string) (uint32, error) {
	addr, err := l.e.mem.AllocCString(s)
	if err != nil {
		l.setErrno(errENOMEM)
		return 0, nil
	}
	return addr, nil
}

// compareBytes returns the difference of the first differing bytes, as
// memcmp does.
func compareBytes(x, y []byte) int32 {
	n := min(len(x), len(y))
	for i := 0; i < n; i++ {
		if x[i] != y[i] {
			return int32(x[i]) - int32(y[i])
		}
	}
	return 0
}
