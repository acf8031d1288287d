// Package types defines the view models exchanged between the daemon and its
// clients over HTTP:
//
//   - Status: the state of the current or last run, returned by /task/status
//   - Schedule: the cron schedule of unattended runs, returned by /schedule
//
// They are shared by the daemon and client code to keep the JSON contracts
// in one place.
package types
