// Package logs reads the daemon's rotating JSON log file for `offload logs`.
//
// Tail returns the last N lines or everything past a byte offset, and in
// follow mode blocks on fsnotify until the file grows. Render turns a JSON
// record back into the console layout the daemon prints, so tailed output
// looks the same as a foreground run.
package logs
