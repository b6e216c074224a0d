package tracer

import (
	"fmt"

	"snoop/pkg/marshal"
)

// MaxArity is the largest number of arguments any syscall descriptor can
// carry; every x86_64 syscall takes at most six arguments.
const MaxArity = 6

// EntryResult is what a pre-hook returns: either "let the syscall proceed,
// possibly with edited arguments" (the zero value, Proceed) or "block it
// and hand back this return value without ever reaching the kernel"
// (Block).
type EntryResult struct {
	blocked bool
	ret     int64
}

// Proceed lets the syscall reach the kernel with whatever edits the hook
// made to the Call's mirrors (or none at all).
func Proceed() EntryResult {
	return EntryResult{}
}

// Block suppresses the syscall entirely; the tracer fabricates an invalid
// syscall number so the kernel never sees it, then substitutes ret as the
// result at the matching exit stop.
func Block(ret int64) EntryResult {
	return EntryResult{blocked: true, ret: ret}
}

// PreHook runs at syscall entry. It inspects and may edit call's argument
// mirrors, then returns Proceed() or Block(ret).
type PreHook func(call *Call) EntryResult

// PostHook runs at syscall exit (only for non-blocked calls) and may
// rewrite the return value.
type PostHook func(ret int64) int64

// Descriptor is a static, immutable record for one registered syscall: its
// kernel name, its argument kinds, and its pre/post hooks. A codegen step
// that partitions a user function around a `real(...)` marker would
// produce exactly this pair of hooks; this package only needs to honor
// the contract, not generate it.
type Descriptor struct {
	Name  string
	Arity int
	Kinds [MaxArity]marshal.Kind
	Pre   PreHook
	Post  PostHook
}

// NewDescriptor builds a Descriptor for a syscall with the given name and
// per-argument kinds (length 0..6). Unused slots beyond len(kinds) are
// padded with marshal.KindInt so every descriptor can be dispatched
// through one uniform arity-6 path regardless of how many arguments the
// underlying syscall actually takes.
//
// A nil pre defaults to unconditional pass-through (no edits); a nil post
// defaults to the identity function.
func NewDescriptor(name string, kinds []marshal.Kind, pre PreHook, post PostHook) (*Descriptor, error) {
	if len(kinds) > MaxArity {
		return nil, fmt.Errorf("tracer: %q has arity %d, max is %d", name, len(kinds), MaxArity)
	}

	d := &Descriptor{Name: name, Arity: len(kinds), Pre: pre, Post: post}
	for i := range d.Kinds {
		if i < len(kinds) {
			d.Kinds[i] = kinds[i]
		} else {
			d.Kinds[i] = marshal.KindInt
		}
	}
	if d.Pre == nil {
		d.Pre = func(*Call) EntryResult { return Proceed() }
	}
	if d.Post == nil {
		d.Post = func(ret int64) int64 { return ret }
	}
	return d, nil
}
