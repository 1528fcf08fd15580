package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// blockedSyscalls are never allowed for a child regardless of
// permissions.
var blockedSyscalls = []string{
	"ptrace",
	"mount",
	"umount2",
	"reboot",
	"kexec_load",
	"init_module",
	"delete_module",
	"setuid",
	"setgid",
}

// baseSyscalls is the allowlist every gear gets: file IO within the
// bind-mounted workspace, memory management, and process basics.
var baseSyscalls = []string{
	"read", "write", "openat", "close", "fstat", "lseek",
	"mmap", "munmap", "mprotect", "brk",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
	"ioctl", "pipe2", "dup3",
	"getdents64", "getcwd", "mkdirat", "unlinkat", "renameat2",
	"clock_gettime", "nanosleep",
	"exit", "exit_group", "futex", "sched_yield",
	"clone", "wait4",
}

// networkSyscalls are granted only when the manifest declares domains.
var networkSyscalls = []string{
	"socket", "connect", "sendto", "recvfrom", "getsockopt", "setsockopt",
	"getaddrinfo", "bind", "getsockname", "getpeername",
}

// shellSyscalls are granted only when the manifest allows spawning
// shells.
var shellSyscalls = []string{"execve", "execveat", "fork", "vfork"}

// LinuxSyscallAllowlist returns the sorted syscall allowlist for a
// gear. Blocked syscalls are excluded even if a grant set names them.
func LinuxSyscallAllowlist(m *GearManifest) []string {
	allowed := make(map[string]bool, len(baseSyscalls))
	for _, s := range baseSyscalls {
		allowed[s] = true
	}
	if len(m.Permissions.Network.Domains) > 0 {
		for _, s := range networkSyscalls {
			allowed[s] = true
		}
	}
	if m.Permissions.Shell {
		for _, s := range shellSyscalls {
			allowed[s] = true
		}
	}
	for _, s := range blockedSyscalls {
		delete(allowed, s)
	}

	out := make([]string, 0, len(allowed))
	for s := range allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DarwinProfile renders a deny-default SBPL sandbox profile for a gear.
// Reads and writes are scoped to the workspace subpath; network and
// process-exec are opt-in per the manifest.
func DarwinProfile(m *GearManifest, workspace string) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow signal (target self))\n")
	b.WriteString("(allow sysctl-read)\n")

	if len(m.Permissions.FS.Read) > 0 {
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", workspace)
	}
	if len(m.Permissions.FS.Write) > 0 {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", workspace)
	}
	if len(m.Permissions.Network.Domains) > 0 {
		b.WriteString("(allow network-outbound (remote tcp))\n")
		b.WriteString("(allow system-socket)\n")
	}
	if m.Permissions.Shell {
		b.WriteString("(allow process-exec)\n")
	}
	return b.String()
}
