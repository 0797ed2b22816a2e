// Package builtins provides the commands every coven-sshd shell starts with.
//
//	help [command]        commands the session may run (no capability)
//	whoami                identity, capabilities and environment (no capability)
//	version               daemon version (no capability)
//	show-queue [-w]       outstanding invocations (VIEW_QUEUE)
//	kill <id>...          cancel invocations by id or unique prefix (KILL_TASK)
//	gsql [--format F] [-c SQL]
//	                      interactive SQL shell on the daemon database (ADMIN)
//
// Register adds all of them to a registry before it is sealed.
package builtins
