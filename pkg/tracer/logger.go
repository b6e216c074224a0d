package tracer

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Logger is the logging sink every diagnostic in this package goes
// through: retries at Warnf, fatal-to-tracer conditions at Panicf (a log
// level, not an actual Go panic; Spawn still returns a plain error so the
// caller decides how to exit). LogEntry/LogExit are kept separate since
// they format syscall-specific detail rather than a plain message.
type Logger interface {
	LogEntry(pid int, name string, args [MaxArity]uint64, read func(addr uint64) string)
	LogExit(pid int, name string, ret int64)
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Panicf(format string, args ...any)
}

// StreamLogger logs to an io.Writer with plain fmt-formatted lines.
type StreamLogger struct {
	Out io.Writer
}

// NewStreamLogger creates a new StreamLogger.
func NewStreamLogger(out io.Writer) *StreamLogger {
	return &StreamLogger{Out: out}
}

func (l *StreamLogger) LogEntry(pid int, name string, args [MaxArity]uint64, read func(addr uint64) string) {
	formattedArgs := make([]string, len(args))
	for i, arg := range args {
		formattedArgs[i] = fmt.Sprintf("0x%x", arg)
	}

	// Custom formatting for syscalls with a leading path argument.
	switch name {
	case "open", "access", "chdir", "mkdir", "rmdir", "unlink", "chmod", "chown", "lchown", "stat", "lstat", "truncate", "readlink":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
	case "creat":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
		formattedArgs[1] = fmt.Sprintf("0%o", args[1])
	case "openat", "mkdirat", "mknodat", "unlinkat", "fchmodat", "fchownat", "fstatat", "newfstatat", "readlinkat", "faccessat", "utimensat":
		if int32(args[0]) == -100 { // AT_FDCWD
			formattedArgs[0] = "AT_FDCWD"
		}
		formattedArgs[1] = fmt.Sprintf("%q", read(args[1]))
	case "execve", "execveat":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
	case "rename":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
		formattedArgs[1] = fmt.Sprintf("%q", read(args[1]))
	case "renameat", "renameat2":
		if int32(args[0]) == -100 {
			formattedArgs[0] = "AT_FDCWD"
		}
		formattedArgs[1] = fmt.Sprintf("%q", read(args[1]))
		if int32(args[2]) == -100 {
			formattedArgs[2] = "AT_FDCWD"
		}
		formattedArgs[3] = fmt.Sprintf("%q", read(args[3]))
	case "symlink":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
		formattedArgs[1] = fmt.Sprintf("%q", read(args[1]))
	case "symlinkat":
		formattedArgs[0] = fmt.Sprintf("%q", read(args[0]))
		if int32(args[1]) == -100 {
			formattedArgs[1] = "AT_FDCWD"
		}
		formattedArgs[2] = fmt.Sprintf("%q", read(args[2]))
	}

	argStr := strings.Join(formattedArgs, ", ")
	fmt.Fprintf(l.Out, "[snoop] [%-5d] -> %s(%s)\n", pid, name, argStr)
}

func (l *StreamLogger) LogExit(pid int, name string, ret int64) {
	if ret < 0 && ret >= -4095 {
		fmt.Fprintf(l.Out, "[snoop] [%-5d] <- %s = -1 (errno=%d)\n", pid, name, -ret)
		return
	}
	if name == "mmap" || name == "brk" {
		fmt.Fprintf(l.Out, "[snoop] [%-5d] <- %s = 0x%x\n", pid, name, ret)
		return
	}
	fmt.Fprintf(l.Out, "[snoop] [%-5d] <- %s = %d\n", pid, name, ret)
}

func (l *StreamLogger) Debugf(format string, args ...any) {
	fmt.Fprintf(l.Out, "[snoop] DEBUG "+format+"\n", args...)
}

func (l *StreamLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(l.Out, "[snoop] WARN "+format+"\n", args...)
}

func (l *StreamLogger) Panicf(format string, args ...any) {
	fmt.Fprintf(l.Out, "[snoop] FATAL "+format+"\n", args...)
}

// FileLogger logs to a file, appending across restarts.
type FileLogger struct {
	*StreamLogger
	file *os.File
}

// NewFileLogger creates a logger that writes to a file.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		StreamLogger: NewStreamLogger(f),
		file:         f,
	}, nil
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}

// NopLogger discards everything; it's the Interceptor's default so callers
// that don't care about tracing detail pay nothing for it.
type NopLogger struct{}

func (NopLogger) LogEntry(int, string, [MaxArity]uint64, func(uint64) string) {}
func (NopLogger) LogExit(int, string, int64)                                 {}
func (NopLogger) Debugf(string, ...any)                                      {}
func (NopLogger) Warnf(string, ...any)                                       {}
func (NopLogger) Panicf(string, ...any)                                      {}
