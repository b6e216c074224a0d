package cmd

import (
	"fmt"
	"strings"

	"snoop/pkg/marshal"
	"snoop/pkg/tracer"
)

// EACCES and EPERM, the errno values fabricated for blocked calls in
// --deny-path and --block, respectively. Negated because the syscall ABI
// reports errors as -errno in the return register.
const (
	errAccess    = -13
	errOperation = -1
)

// pathSyscall describes one path-taking syscall this CLI knows how to
// police: its argument kinds (for tracer.NewDescriptor) and which
// argument index carries the path a --deny-path or --redirect rule
// should inspect.
type pathSyscall struct {
	kinds    []marshal.Kind
	pathArgs []int // argument indices holding a path, in policy-check order
}

var policedSyscalls = map[string]pathSyscall{
	"open":     {[]marshal.Kind{marshal.KindCString, marshal.KindInt, marshal.KindInt}, []int{0}},
	"openat":   {[]marshal.Kind{marshal.KindInt, marshal.KindCString, marshal.KindInt, marshal.KindInt}, []int{1}},
	"creat":    {[]marshal.Kind{marshal.KindCString, marshal.KindInt}, []int{0}},
	"unlink":   {[]marshal.Kind{marshal.KindCString}, []int{0}},
	"unlinkat": {[]marshal.Kind{marshal.KindInt, marshal.KindCString, marshal.KindInt}, []int{1}},
	"stat":     {[]marshal.Kind{marshal.KindCString, marshal.KindInt}, []int{0}},
	"lstat":    {[]marshal.Kind{marshal.KindCString, marshal.KindInt}, []int{0}},
	"access":   {[]marshal.Kind{marshal.KindCString, marshal.KindInt}, []int{0}},
	"execve":   {[]marshal.Kind{marshal.KindCString, marshal.KindCStringArray, marshal.KindCStringArray}, []int{0}},
	"rename":   {[]marshal.Kind{marshal.KindCString, marshal.KindCString}, []int{0, 1}},
	"mkdir":    {[]marshal.Kind{marshal.KindCString, marshal.KindInt}, []int{0}},
	"rmdir":    {[]marshal.Kind{marshal.KindCString}, []int{0}},
	"readlink": {[]marshal.Kind{marshal.KindCString, marshal.KindInt, marshal.KindInt}, []int{0}},
}

// policy is the CLI's interception policy, built from --block,
// --deny-path and --redirect.
type policy struct {
	blockedNames map[string]bool
	denySubstr   []string
	redirect     map[string]string
}

func newPolicy(block, denyPath, redirect string) (*policy, error) {
	p := &policy{
		blockedNames: splitSet(block),
		denySubstr:   splitList(denyPath),
		redirect:     make(map[string]string),
	}
	for _, pair := range splitList(redirect) {
		from, to, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("--redirect entry %q must be FROM=TO", pair)
		}
		p.redirect[from] = to
	}
	return p, nil
}

func splitSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, v := range splitList(s) {
		out[v] = true
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// registerDescriptors builds one tracer.Descriptor for every policed
// syscall and registers it on it, whether or not the policy has a rule
// that applies to that syscall; evaluate decides per call what to do.
func registerDescriptors(it *tracer.Interceptor, p *policy) error {
	for name, shape := range policedSyscalls {
		shape := shape
		pre := func(call *tracer.Call) tracer.EntryResult {
			return p.evaluate(name, shape, call)
		}
		d, err := tracer.NewDescriptor(name, shape.kinds, pre, nil)
		if err != nil {
			return fmt.Errorf("building descriptor for %s: %w", name, err)
		}
		if err := it.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (p *policy) evaluate(name string, shape pathSyscall, call *tracer.Call) tracer.EntryResult {
	if p.blockedNames[name] {
		return tracer.Block(errOperation)
	}

	for _, argIdx := range shape.pathArgs {
		m := call.Arg(argIdx)
		if m.Kind() != marshal.KindCString {
			continue
		}
		path := m.String()

		for _, substr := range p.denySubstr {
			if substr != "" && strings.Contains(path, substr) {
				return tracer.Block(errAccess)
			}
		}

		if to, ok := p.redirect[path]; ok {
			m.Replace(to)
		}
	}

	return tracer.Proceed()
}
