/*
Package cli implements hpcctl, a command-line client that runs the
orchestrator in process. Configuration comes from --config (see package
config); jobs that outlive one invocation are tracked through a file
registry and picked up again with "hpcctl recover".
*/
package cli
