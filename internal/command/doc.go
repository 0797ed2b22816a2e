// Package command defines what a shell command is and where commands live.
//
// # Descriptors
//
// A Descriptor names a command, the capabilities a session needs to run it and
// the Factory that builds its Handler. Descriptors are plain data: the
// capability requirement travels with the descriptor and is checked by the
// pure function Authorize, so the gate can be tested without sessions or
// streams.
//
// # Registry
//
// The Registry is filled once at startup and then only read. Register
// publishes a fresh copy of the table through an atomic pointer, so Lookup
// never takes a lock. Seal forbids further registration.
//
//	reg := command.NewRegistry(logger)
//	_ = reg.Register(command.Descriptor{Name: "whoami", Factory: newWhoami})
//	reg.Seal()
//
// # Errors and exit codes
//
// Every failure mode of a dispatch has its own error type. ExitCode maps any
// of them to the status reported to the SSH client and Message renders the
// single line written to the session's error stream:
//
//	0    success
//	1    handler failure
//	2    malformed command line
//	75   session busy
//	126  not authorized
//	127  unknown command
//	130  cancelled
package command
