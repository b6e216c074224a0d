// Command snoop runs a program under ptrace-based syscall interception.
package main

import "snoop/cmd"

func main() {
	cmd.Execute()
}
