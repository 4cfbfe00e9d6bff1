package runtime_test

import (
	"context"
	"testing"

	"github.com/wippyai/hle-runtime/runtime"
)

const (
	threadID = scratch
	joinOut  = scratch + 4
	counter  = scratch + 8
	lockAddr = scratch + 0x40
	attrAddr = scratch + 0x80
)

// runMain wraps body in a main function that saves r4 and returns r0.
func runMain(t *testing.T, p *program, body func(p *program)) runtime.Result {
	t.Helper()
	p.fn("_main").emit(push)
	body(p)
	p.emit(pop)
	env, _ := start(t, p, nil)
	return env.RunUntilExit(context.Background())
}

func TestThreadJoin(t *testing.T) {
	p := newProgram()
	p.fn("_worker").emit(addi(r0, r0, 1), ret)
	res := runMain(t, p, func(p *program) {
		p.set(r0, threadID).set(r1, 0).set(r2, p.addr(t, "_worker")).set(r3, 41).
			call("_pthread_create").emit(mov(r4, r0)).
			set(r0, threadID).emit(ldr(r0, r0, 0)).set(r1, joinOut).call("_pthread_join").
			emit(add(r4, r4, r0)).
			set(r0, joinOut).emit(ldr(r0, r0, 0), add(r0, r0, r4))
	})
	if res.Kind != runtime.ResultExited || res.Code != 42 {
		t.Fatalf("result = %v", res)
	}
}

// The main thread holds the lock while the worker blocks on it; the worker
// doubles the counter only after main has stored 5 and unlocked.
func TestMutexHandOff(t *testing.T) {
	p := newProgram()
	p.fn("_worker").emit(push).
		set(r4, lockAddr).emit(mov(r0, r4)).call("_pthread_mutex_lock").
		set(r1, counter).emit(ldr(r0, r1, 0), add(r0, r0, r0), str(r0, r1, 0)).
		emit(mov(r0, r4)).call("_pthread_mutex_unlock").
		set(r0, 0).emit(pop)
	res := runMain(t, p, func(p *program) {
		p.set(r0, lockAddr).call("_pthread_mutex_lock").
			set(r0, threadID).set(r1, 0).set(r2, p.addr(t, "_worker")).set(r3, 0).call("_pthread_create").
			call("_sched_yield").
			set(r1, counter).set(r0, 5).emit(str(r0, r1, 0)).
			set(r0, lockAddr).call("_pthread_mutex_unlock").
			set(r0, threadID).emit(ldr(r0, r0, 0)).set(r1, 0).call("_pthread_join").
			set(r1, counter).emit(ldr(r0, r1, 0))
	})
	if res.Kind != runtime.ResultExited || res.Code != 10 {
		t.Fatalf("result = %v", res)
	}
}

func TestDeadlock(t *testing.T) {
	p := newProgram()
	p.fn("_worker").emit(push).set(r0, lockAddr).call("_pthread_mutex_lock").emit(pop)
	res := runMain(t, p, func(p *program) {
		p.set(r0, lockAddr).call("_pthread_mutex_lock").
			set(r0, threadID).set(r1, 0).set(r2, p.addr(t, "_worker")).set(r3, 0).call("_pthread_create").
			set(r0, threadID).emit(ldr(r0, r0, 0)).set(r1, 0).call("_pthread_join")
	})
	if res.Kind != runtime.ResultFault || res.Classification != "deadlock" {
		t.Fatalf("result = %v", res)
	}
	if len(res.Threads) != 2 {
		t.Fatalf("threads = %+v", res.Threads)
	}
	states := map[runtime.ThreadState]int{}
	for _, th := range res.Threads {
		states[th.State]++
	}
	if states[runtime.ThreadJoining] != 1 || states[runtime.ThreadLocking] != 1 {
		t.Errorf("thread states = %v", states)
	}
}

// Each case sums the return codes of its calls into r4.
func TestPthreadErrors(t *testing.T) {
	sum := func(p *program, sym string) {
		p.call(sym).emit(add(r4, r4, r0))
	}
	tests := []struct {
		name string
		body func(p *program)
		code int32
	}{
		{"join self", func(p *program) {
			p.call("_pthread_self").set(r1, 0)
			sum(p, "_pthread_join")
		}, 11},
		{"join unknown", func(p *program) {
			p.set(r0, 999).set(r1, 0)
			sum(p, "_pthread_join")
		}, 3},
		{"detach unknown", func(p *program) {
			p.set(r0, 999)
			sum(p, "_pthread_detach")
		}, 3},
		{"relock normal mutex", func(p *program) {
			p.set(r0, lockAddr)
			sum(p, "_pthread_mutex_lock")
			p.set(r0, lockAddr)
			sum(p, "_pthread_mutex_lock")
		}, 11},
		{"recursive mutex", func(p *program) {
			p.set(r0, attrAddr)
			sum(p, "_pthread_mutexattr_init")
			p.set(r0, attrAddr).set(r1, 2)
			sum(p, "_pthread_mutexattr_settype")
			p.set(r0, lockAddr).set(r1, attrAddr)
			sum(p, "_pthread_mutex_init")
			for _, sym := range []string{"_pthread_mutex_lock", "_pthread_mutex_lock", "_pthread_mutex_trylock"} {
				p.set(r0, lockAddr)
				sum(p, sym)
			}
			for i := 0; i < 4; i++ {
				p.set(r0, lockAddr)
				sum(p, "_pthread_mutex_unlock")
			}
		}, 1},
		{"invalid mutex type", func(p *program) {
			p.set(r0, attrAddr)
			sum(p, "_pthread_mutexattr_init")
			p.set(r0, attrAddr).set(r1, 7)
			sum(p, "_pthread_mutexattr_settype")
		}, 22},
		{"destroy locked mutex", func(p *program) {
			p.set(r0, lockAddr)
			sum(p, "_pthread_mutex_lock")
			p.set(r0, lockAddr)
			sum(p, "_pthread_mutex_destroy")
		}, 16},
		{"unlock unowned mutex", func(p *program) {
			p.set(r0, lockAddr)
			sum(p, "_pthread_mutex_unlock")
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runMain(t, newProgram(), func(p *program) {
				p.set(r4, 0)
				tt.body(p)
				p.emit(mov(r0, r4))
			})
			if res.Kind != runtime.ResultExited || res.Code != tt.code {
				t.Errorf("result = %v, want status %d", res, tt.code)
			}
		})
	}
}

func TestLibSystem(t *testing.T) {
	tests := []struct {
		name string
		body func(p *program)
		code int32
	}{
		{"strlen of strdup", func(p *program) {
			p.set(r0, p.cstring("hello")).call("_strdup").call("_strlen")
		}, 5},
		{"strcmp", func(p *program) {
			p.set(r0, p.cstring("abc")).set(r1, p.cstring("abd")).call("_strcmp")
		}, -1},
		{"strncmp prefix", func(p *program) {
			p.set(r0, p.cstring("abc")).set(r1, p.cstring("abd")).set(r2, 2).call("_strncmp")
		}, 0},
		{"memcpy then memcmp", func(p *program) {
			p.set(r0, 8).call("_malloc").emit(mov(r4, r0)).
				set(r1, p.cstring("hello")).set(r2, 6).call("_memcpy").
				emit(mov(r0, r4)).set(r1, p.cstring("help")).set(r2, 4).call("_memcmp")
		}, 'l' - 'p'},
		{"memset", func(p *program) {
			p.set(r0, 4).call("_malloc").emit(mov(r4, r0)).
				set(r1, 0x11).set(r2, 4).call("_memset").
				emit(ldr(r0, r4, 0))
		}, 0x11111111},
		{"realloc keeps contents", func(p *program) {
			p.set(r0, 8).call("_malloc").emit(mov(r4, r0)).
				set(r1, 42).emit(str(r1, r4, 0), mov(r0, r4)).
				set(r1, 256).call("_realloc").emit(ldr(r0, r0, 0))
		}, 42},
		{"malloc failure sets errno", func(p *program) {
			p.set(r0, 0x1000000).call("_malloc").emit(mov(r4, r0)).
				call("___error").emit(ldr(r0, r0, 0), add(r0, r0, r4))
		}, 12},
		{"calloc overflow", func(p *program) {
			p.set(r0, 0x10000).set(r1, 0x10000).call("_calloc").emit(mov(r4, r0)).
				call("___error").emit(ldr(r0, r0, 0), add(r0, r0, r4))
		}, 12},
		{"free null", func(p *program) {
			p.set(r0, 0).call("_free").set(r0, 9)
		}, 9},
		{"getpid", func(p *program) {
			p.call("_getpid")
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runMain(t, newProgram(), tt.body)
			if res.Kind != runtime.ResultExited || res.Code != tt.code {
				t.Errorf("result = %v, want status %d", res, tt.code)
			}
		})
	}

	t.Run("abort", func(t *testing.T) {
		res := runMain(t, newProgram(), func(p *program) { p.call("_abort") })
		if res.Kind != runtime.ResultFault || res.Classification != "abort" || res.Symbol != "_abort" {
			t.Errorf("result = %v", res)
		}
	})
	t.Run("free of a foreign pointer", func(t *testing.T) {
		res := runMain(t, newProgram(), func(p *program) { p.set(r0, scratch).call("_free") })
		if res.Kind != runtime.ResultFault || res.Symbol != "_free" {
			t.Errorf("result = %v", res)
		}
	})
}
