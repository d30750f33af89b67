// Command offload is the operator CLI: it runs the daemon, talks to it over
// the IPC socket, and performs local scan, plan and copy runs without one.
package main
