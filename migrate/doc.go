// Package migrate runs the external database migration command.
//
// The runner resolves its working directory as the parent of the process
// working directory, injects the connection descriptor into the child
// environment and runs the configured command through the host shell
// ("cmd /C" on Windows, "sh -c" elsewhere). The exit status is mapped to a
// typed *Error whose kind survives JSON serialization:
//
//	directory_resolution  the working directory has no parent
//	launch_failed         the shell or the command could not be started
//	command_failed        the command ran and exited non-zero or by signal
//
// The package also exposes the same routine as host commands
// (migrations.run, migrations.status, migrations.probe) and an optional
// PostgreSQL reachability probe that Run never calls.
package migrate
