// Command casereview manages compliance review sessions: creation, stage
// advancement, completion, reopening, and storage health. Every command
// prints a single JSON object so output is scriptable.
package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitInvalidInput    = 2
	exitNotFound        = 3
	exitDuplicate       = 4
	exitIllegalState    = 5
	exitContention      = 6
	exitCorrupted       = 7
)

func main() {
	os.Exit(runDispatch(os.Args))
}

func runDispatch(arguments []string) int {
	if len(arguments) < 2 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[1] {
	case "create":
		return runCreate(arguments[2:])
	case "list":
		return runList(arguments[2:])
	case "resume":
		return runResume(arguments[2:])
	case "advance":
		return runAdvance(arguments[2:])
	case "complete":
		return runComplete(arguments[2:])
	case "reopen":
		return runReopen(arguments[2:])
	case "check":
		return runCheck(arguments[2:])
	case "backups":
		return runBackups(arguments[2:])
	case "restore":
		return runRestore(arguments[2:])
	case "delete":
		return runDelete(arguments[2:])
	case "version", "--version", "-v":
		fmt.Println("casereview", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: casereview <command> [flags]

commands:
  create    create a review session for a project
  list      list sessions, newest first
  resume    load a session and report its health
  advance   advance one workflow stage
  complete  classify and complete a session
  reopen    return a completed session to an earlier stage
  check     run the health battery for a session
  backups   list retained backups for a record
  restore   restore a record from a backup
  delete    delete a session permanently
  version   print the CLI version`)
}
